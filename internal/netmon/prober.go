package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/washpoint/backend/internal/logging"
)

// Prober drives a Monitor by probing an HTTP endpoint on an interval.
// Used when the core runs as a daemon without platform connectivity
// callbacks; mobile embeddings feed Monitor.Update directly instead.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProber creates a Prober against the given URL.
func NewProber(monitor *Monitor, url string, interval time.Duration) *Prober {
	return &Prober{
		monitor:  monitor,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Start begins probing until Stop or context cancellation. The first probe
// runs immediately so the monitor leaves its unknown state quickly.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logging.Error("Invalid probe URL", err, map[string]interface{}{"url": p.url})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.monitor.Update(State{Connected: false, Reachable: ReachabilityNo, Link: LinkNone})
		return
	}
	resp.Body.Close()

	p.monitor.Update(State{Connected: true, Reachable: ReachabilityYes, Link: LinkUnknown})
}
