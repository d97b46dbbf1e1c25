package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/metrics"
	"github.com/labhya/labhya/pkg/models"
)

// DefaultPollInterval is how often sessions are refetched while one is PENDING
const DefaultPollInterval = 4 * time.Second

// SessionSource is the session collection the poller refreshes
type SessionSource interface {
	Sessions() []models.Session
	RefreshSessions(ctx context.Context) error
}

// Revoker signals credential revocation
type Revoker interface {
	Revoked() <-chan struct{}
}

// Poller refetches the session collection on a fixed interval while any
// known session is PENDING. It stops by itself once none remains and is
// restarted by Sync when a new PENDING session appears.
type Poller struct {
	source   SessionSource
	revoker  Revoker
	interval time.Duration
	logger   *slog.Logger
	base     context.Context

	mu      sync.Mutex
	running bool
	gen     int
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// PollerOption configures the poller
type PollerOption func(*Poller)

// WithPollInterval sets the poll interval
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRevoker stops polling when the credential is revoked
func WithRevoker(r Revoker) PollerOption {
	return func(p *Poller) {
		p.revoker = r
	}
}

// WithBaseContext bounds every poll loop by ctx. Without it loops run until
// Stop, revocation or the last PENDING session resolving.
func WithBaseContext(ctx context.Context) PollerOption {
	return func(p *Poller) {
		if ctx != nil {
			p.base = ctx
		}
	}
}

// WithPollerLogger sets a custom logger
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a poller over source
func NewPoller(source SessionSource, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		base:     context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sync starts polling if sessions contain a PENDING session and polling is
// not running, and stops it if none remains. It never blocks. ctx belongs to
// the fetch that produced sessions and does not bound the poll loop.
func (p *Poller) Sync(_ context.Context, sessions []models.Session) {
	pending := HasPending(sessions)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case pending && !p.running:
		p.startLocked()
	case !pending && p.running:
		p.logger.Debug("no pending sessions, stopping poll")
		p.stopLocked()
	}
}

// Running reports whether the poll loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop cancels polling and waits for the loop to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	done := p.doneCh
	p.stopLocked()
	p.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (p *Poller) startLocked() {
	loopCtx, cancel := context.WithCancel(p.base)
	p.gen++
	p.running = true
	p.cancel = cancel
	p.doneCh = make(chan struct{})

	var revoked <-chan struct{}
	if p.revoker != nil {
		revoked = p.revoker.Revoked()
	}

	p.logger.Debug("pending sessions found, starting poll", slog.Duration("interval", p.interval))
	go p.run(loopCtx, p.gen, revoked, p.doneCh)
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.running = false
}

// finish clears the running flag if gen is still the current loop
func (p *Poller) finish(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen && p.running {
		p.stopLocked()
	}
}

func (p *Poller) run(ctx context.Context, gen int, revoked <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer p.finish(gen)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-revoked:
			p.logger.Debug("credential revoked, stopping poll")
			return
		case <-ticker.C:
			metrics.RecordSessionPoll()

			if err := p.source.RefreshSessions(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("session poll failed", slog.String("error", err.Error()))
				if client.IsAuthFailure(err) {
					return
				}
				continue
			}

			if !HasPending(p.source.Sessions()) {
				p.logger.Debug("no pending sessions remain, stopping poll")
				return
			}
		}
	}
}
