package environment

import (
	"context"
	"io"
	"net/http"
	"time"

	"collabkit/internal/logging"
)

const defaultProbeInterval = 15 * time.Second

// Prober drives Environment.SetOnline from periodic HEAD requests. Any HTTP
// response counts as online; only transport failures mean offline.
type Prober struct {
	env      *Environment
	http     *http.Client
	url      string
	interval time.Duration
	logger   *logging.Logger
}

func NewProber(env *Environment, httpClient *http.Client, url string, interval time.Duration, logger *logging.Logger) *Prober {
	if env == nil {
		panic("environment.NewProber: environment must not be nil")
	}
	if logger == nil {
		panic("environment.NewProber: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Prober{env: env, http: httpClient, url: url, interval: interval, logger: logger}
}

// Run probes immediately and then on every interval until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.env.SetOnline(p.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("connectivity probe request invalid", logging.Field("url", p.url), logging.Field("error", err))
		return p.env.Online()
	}
	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return p.env.Online()
		}
		p.logger.Debug("connectivity probe failed", logging.Field("url", p.url), logging.Field("error", err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	p.logger.Debugf("HEAD %s -> %s", p.url, resp.Status)
	return true
}
