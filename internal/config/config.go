package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	BaseURL       string        `long:"base-url" env:"COLLAB_BASE_URL" description:"Collaboration server base URL (e.g. https://collab.example.com)"`
	APIKey        string        `long:"api-key" env:"COLLAB_API_KEY" description:"API key exchanged for realtime access tokens"`
	Transport     string        `long:"transport" env:"COLLAB_TRANSPORT" default:"ws" choice:"ws" choice:"sse" description:"Realtime transport"`
	Protocol      string        `long:"protocol" env:"COLLAB_PROTOCOL" default:"json" choice:"json" choice:"cbor" description:"Hub wire protocol (ws transport only)"`
	TokenTimeout  time.Duration `long:"token-timeout" env:"COLLAB_TOKEN_TIMEOUT" default:"10s" description:"Token factory timeout, 0 disables"`
	Source        string        `long:"source" env:"COLLAB_SOURCE" default:"collabkit-cli" description:"Value sent in the X-Client-Source header"`
	Subscribe     []string      `long:"subscribe" env:"COLLAB_SUBSCRIBE" env-delim:"," description:"Realtime event to follow as group:event (repeatable)"`
	Fetch         []string      `long:"fetch" description:"API path fetched once the first connection is up (repeatable)"`
	CacheDir      string        `long:"cache-dir" env:"COLLAB_CACHE_DIR" description:"Directory for the persisted response cache"`
	ProbeURL      string        `long:"probe-url" env:"COLLAB_PROBE_URL" description:"URL probed to detect connectivity (disabled when empty)"`
	ProbeInterval time.Duration `long:"probe-interval" default:"15s" description:"Connectivity probe interval"`
	Settings      string        `long:"settings" env:"COLLAB_SETTINGS" description:"Settings file to watch for base URL changes (defaults to the user config dir)"`
	SaveSettings  bool          `long:"save-settings" description:"Write the effective connection settings to the settings file and continue"`
	Console       bool          `long:"console" env:"COLLAB_CONSOLE" description:"Run the interactive console UI"`
	LogFiles      bool          `long:"log-files" env:"COLLAB_LOG_FILES" description:"Persist JSONL logs under the user cache dir"`
	Debug         bool          `long:"debug" env:"COLLAB_DEBUG" description:"Enable verbose debug output"`
}

type Endpoints struct {
	Origin       string
	APIBaseURL   string
	TokenURL     string
	HubURL       string
	EventsURL    string
	SubscribeURL string
}

const (
	apiPath      = "/api"
	tokenPath    = "/auth/token"
	realtimePath = "/realtime"
	HubPath      = "/hub"
)

func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return errors.New("API key is required")
	}
	if opts.TokenTimeout < 0 {
		return errors.New("token timeout must not be negative")
	}
	for _, name := range opts.Subscribe {
		if _, _, err := SplitEventName(name); err != nil {
			return err
		}
	}
	return nil
}

// SplitEventName splits "group:event" at the first colon. A name without a
// colon has no group.
func SplitEventName(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", errors.New("event name must not be empty")
	}
	group, event, found := strings.Cut(name, ":")
	if !found {
		return "", name, nil
	}
	if event == "" {
		return "", "", fmt.Errorf("event name %q has an empty event part", name)
	}
	return group, event, nil
}

func BuildEndpoints(rawBaseURL string) (Endpoints, error) {
	origin, err := NormalizeBaseURL(rawBaseURL)
	if err != nil {
		return Endpoints{}, err
	}
	hubURL, err := WebSocketURL(origin, HubPath)
	if err != nil {
		return Endpoints{}, err
	}
	api := origin + apiPath
	return Endpoints{
		Origin:       origin,
		APIBaseURL:   api,
		TokenURL:     api + tokenPath,
		HubURL:       hubURL,
		EventsURL:    api + realtimePath,
		SubscribeURL: api + realtimePath,
	}, nil
}

// NormalizeBaseURL reduces any pasted endpoint to scheme://host[:port].
func NormalizeBaseURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("expected absolute URL like https://example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return "", errors.New("base URL scheme must be http or https")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Path = ""
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return strings.TrimRight(parsed.String(), "/"), nil
}

// WebSocketURL maps an http(s) base URL onto the ws(s) URL for path.
func WebSocketURL(base string, path string) (string, error) {
	origin, err := NormalizeBaseURL(base)
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(origin, "https://"):
		origin = "wss://" + strings.TrimPrefix(origin, "https://")
	default:
		origin = "ws://" + strings.TrimPrefix(origin, "http://")
	}
	return origin + "/" + strings.TrimLeft(path, "/"), nil
}
