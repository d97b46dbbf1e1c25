package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/labhya/labhya/pkg/models"
)

// ConnectionAPI fetches the authoritative SSH endpoint of a session
type ConnectionAPI interface {
	ConnectionInfo(ctx context.Context, id string) (*models.ConnectionInfo, error)
}

// Reconciler fetches connection info once per ACTIVE session and overlays it
// on every later snapshot, since the session record may predate what the
// agent has set. A failed fetch is retried on the next Apply.
type Reconciler struct {
	api    ConnectionAPI
	logger *slog.Logger

	mu    sync.Mutex
	infos map[string]models.ConnectionInfo
}

// NewReconciler creates a new reconciler
func NewReconciler(api ConnectionAPI, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		api:    api,
		logger: logger,
		infos:  make(map[string]models.ConnectionInfo),
	}
}

// Apply returns sessions with connection info merged into ACTIVE sessions,
// fetching it for ACTIVE sessions not seen before. The input is not modified.
func (r *Reconciler) Apply(ctx context.Context, sessions []models.Session) []models.Session {
	out := make([]models.Session, len(sessions))
	copy(out, sessions)

	for i := range out {
		s := &out[i]
		if !s.IsActive() {
			continue
		}

		info, ok := r.lookup(s.ID)
		if !ok {
			fetched, err := r.api.ConnectionInfo(ctx, s.ID)
			if err != nil {
				r.logger.Warn("failed to fetch connection info",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()))
				continue
			}
			info = *fetched
			r.store(s.ID, info)
		}

		merge(s, info)
	}

	return out
}

// Reset forgets all fetched connection info
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = make(map[string]models.ConnectionInfo)
}

func (r *Reconciler) lookup(id string) (models.ConnectionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[id]
	return info, ok
}

func (r *Reconciler) store(id string, info models.ConnectionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[id] = info
}

func merge(s *models.Session, info models.ConnectionInfo) {
	if info.SSHHost != "" {
		s.SSHHost = info.SSHHost
	}
	if info.SSHPort > 0 {
		s.SSHPort = info.SSHPort
	}
	if info.SSHUsername != "" {
		s.SSHUsername = info.SSHUsername
	}
	if info.SSHConnectionString != "" {
		s.SSHConnectionString = info.SSHConnectionString
	}
}
