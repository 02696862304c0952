package syncer

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/metrics"
)

// Prober polls the platform's health URL and reports offline to online
// transitions. Any answer below 500 counts as reachable.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger
	onOnline func()

	online atomic.Bool
	known  atomic.Bool
}

func NewProber(url string, interval time.Duration, onOnline func(), logger *logging.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	timeout := 3 * time.Second
	if interval < timeout {
		timeout = interval
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		onOnline: onOnline,
	}
}

// Online reports the result of the last probe. Before the first probe it
// returns true so scheduled runs are not held back.
func (p *Prober) Online() bool {
	if !p.known.Load() {
		return true
	}
	return p.online.Load()
}

// Check probes once and returns the new state. onOnline runs when the
// backend becomes reachable after being unreachable.
func (p *Prober) Check(ctx context.Context) bool {
	up := p.probe(ctx)
	wasKnown := p.known.Swap(true)
	was := p.online.Swap(up)
	metrics.SetBackendOnline(up)

	switch {
	case up && wasKnown && !was:
		p.logger.WithContext(ctx).WithField("url", p.url).Info("Backend reachable again")
		if p.onOnline != nil {
			p.onOnline()
		}
	case !up && (was || !wasKnown):
		p.logger.WithContext(ctx).WithField("url", p.url).Warn("Backend unreachable, scans stay queued")
	}
	return up
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Run probes every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
