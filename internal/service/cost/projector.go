package cost

import (
	"time"

	"github.com/labhya/labhya/pkg/models"
)

// Projector samples the clock once per call so live views stay consistent
// within a render
type Projector struct {
	now func() time.Time
}

// Option configures the projector
type Option func(*Projector)

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(p *Projector) {
		p.now = fn
	}
}

// NewProjector creates a projector reading the wall clock
func NewProjector(opts ...Option) *Projector {
	p := &Projector{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Now returns the projector's current time
func (p *Projector) Now() time.Time {
	return p.now()
}

// Duration returns the elapsed duration of s now
func (p *Projector) Duration(s *models.Session) Duration {
	return SessionDuration(s, p.now())
}

// Accrued returns the accrued amount of s now
func (p *Projector) Accrued(s *models.Session) models.Amount {
	return Accrued(s, p.now())
}

// Summary recomputes the aggregates now
func (p *Projector) Summary(gpus []models.GPU, sessions []models.Session, txs []models.Transaction) Summary {
	return Summarize(gpus, sessions, txs, p.now())
}
