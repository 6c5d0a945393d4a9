package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ClientSettings struct {
	BaseURL   string   `json:"base_url"`
	APIKey    string   `json:"api_key"`
	Transport string   `json:"transport,omitempty"`
	Protocol  string   `json:"protocol,omitempty"`
	Subscribe []string `json:"subscribe,omitempty"`
	Debug     bool     `json:"debug"`
}

func SettingsPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "collabkit", "settings.json"), nil
}

// ResolveSettingsPath returns explicit when set, otherwise SettingsPath.
func ResolveSettingsPath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return filepath.Clean(explicit), nil
	}
	return SettingsPath()
}

func LoadSettings(path string) (ClientSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientSettings{}, err
	}
	var settings ClientSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return ClientSettings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}
	return settings, nil
}

func SaveSettings(path string, settings ClientSettings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// MergeOptionsWithSettings fills options left empty on the command line from
// saved settings.
func MergeOptionsWithSettings(cli Options, saved ClientSettings) Options {
	if strings.TrimSpace(cli.BaseURL) == "" {
		cli.BaseURL = saved.BaseURL
	}
	if strings.TrimSpace(cli.APIKey) == "" {
		cli.APIKey = saved.APIKey
	}
	if strings.TrimSpace(cli.Transport) == "" {
		cli.Transport = saved.Transport
	}
	if strings.TrimSpace(cli.Protocol) == "" {
		cli.Protocol = saved.Protocol
	}
	if len(cli.Subscribe) == 0 {
		cli.Subscribe = append([]string(nil), saved.Subscribe...)
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}

func SettingsFromOptions(opts Options) ClientSettings {
	return ClientSettings{
		BaseURL:   strings.TrimSpace(opts.BaseURL),
		APIKey:    strings.TrimSpace(opts.APIKey),
		Transport: opts.Transport,
		Protocol:  opts.Protocol,
		Subscribe: append([]string(nil), opts.Subscribe...),
		Debug:     opts.Debug,
	}
}

const settingsDebounce = 150 * time.Millisecond

// WatchSettings calls onChange with the freshly loaded settings whenever the
// file at path is written or replaced. It blocks until ctx is done. The
// parent directory is watched so editors that rename over the file are seen.
func WatchSettings(ctx context.Context, path string, onChange func(ClientSettings), onError func(error)) error {
	if onChange == nil {
		panic("config.WatchSettings: onChange must not be nil")
	}
	if onError == nil {
		onError = func(error) {}
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch settings dir %s: %w", dir, err)
	}

	debounce := time.NewTimer(settingsDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(settingsDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onError(err)
		case <-debounce.C:
			settings, err := LoadSettings(path)
			if err != nil {
				onError(err)
				continue
			}
			onChange(settings)
		}
	}
}
