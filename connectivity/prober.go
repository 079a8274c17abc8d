package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Prober polls a health url and drives a Signal: a 2xx answer means
// Connected, anything else Disconnected.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	signal   *Signal
}

func NewProber(url string, interval time.Duration, signal *Signal) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := defaultProbeTimeout
	if interval < timeout {
		timeout = interval
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		signal:   signal,
	}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		st := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if p.signal.Set(st) {
			glog.Infof("connectivity: %s is %s", p.url, st)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) State {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		glog.Errorf("connectivity: bad probe url %q: %v", p.url, err)
		return Disconnected
	}
	resp, err := p.client.Do(req)
	if err != nil {
		glog.V(5).Infof("connectivity: probe %s: %v", p.url, err)
		return Disconnected
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Disconnected
	}
	return Connected
}
