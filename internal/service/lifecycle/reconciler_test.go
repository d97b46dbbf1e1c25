package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labhya/labhya/pkg/models"
)

type fakeConnectionAPI struct {
	calls map[string]int
	fail  bool
}

func (f *fakeConnectionAPI) ConnectionInfo(_ context.Context, id string) (*models.ConnectionInfo, error) {
	f.calls[id]++
	if f.fail {
		return nil, errors.New("unavailable")
	}
	return &models.ConnectionInfo{
		SSHHost:             "gpu-host.example",
		SSHPort:             2200,
		SSHUsername:         "labhya",
		SSHConnectionString: "ssh -p 2200 labhya@gpu-host.example",
		ConnectionStatus:    "ready",
	}, nil
}

func TestReconciler_FetchesOncePerActiveSession(t *testing.T) {
	api := &fakeConnectionAPI{calls: map[string]int{}}
	r := NewReconciler(api, nil)

	sessions := []models.Session{
		{ID: "a", Status: models.StatusActive, SSHHost: "stale"},
		{ID: "p", Status: models.StatusPending},
		{ID: "c", Status: models.StatusCompleted},
	}

	out := r.Apply(context.Background(), sessions)
	require.Len(t, out, 3)
	assert.Equal(t, "gpu-host.example", out[0].SSHHost)
	assert.Equal(t, 2200, out[0].SSHPort)
	assert.Equal(t, "stale", sessions[0].SSHHost, "input not modified")

	// A later stale snapshot still gets the fetched info, without refetching
	out = r.Apply(context.Background(), sessions)
	assert.Equal(t, "gpu-host.example", out[0].SSHHost)

	assert.Equal(t, map[string]int{"a": 1}, api.calls)
}

func TestReconciler_RetriesAfterFailure(t *testing.T) {
	api := &fakeConnectionAPI{calls: map[string]int{}, fail: true}
	r := NewReconciler(api, nil)

	sessions := []models.Session{{ID: "a", Status: models.StatusActive}}

	out := r.Apply(context.Background(), sessions)
	assert.Empty(t, out[0].SSHHost)

	api.fail = false
	out = r.Apply(context.Background(), sessions)
	assert.Equal(t, "gpu-host.example", out[0].SSHHost)
	assert.Equal(t, 2, api.calls["a"])

	r.Reset()
	r.Apply(context.Background(), sessions)
	assert.Equal(t, 3, api.calls["a"], "reset forces a refetch")
}
