package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/labhya/labhya/pkg/models"
)

// ListSessions returns every session visible to the caller
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var out list[models.Session]
	if err := c.Execute(ctx, http.MethodGet, "/sessions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns a single session
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := c.Execute(ctx, http.MethodGet, sessionPath(id, ""), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession requests a rental of a GPU. The session starts PENDING.
func (c *Client) CreateSession(ctx context.Context, gpuID string) (*models.Session, error) {
	req := models.CreateSessionRequest{GPU: gpuID}
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	var s models.Session
	if err := c.Execute(ctx, http.MethodPost, "/sessions/", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PatchSession partially updates a session record
func (c *Client) PatchSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	if err := c.Validate(patch); err != nil {
		return nil, err
	}

	var s models.Session
	if err := c.Execute(ctx, http.MethodPatch, sessionPath(id, ""), patch, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes a session record
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.Execute(ctx, http.MethodDelete, sessionPath(id, ""), nil, nil)
}

// MarkStarted is the host agent's callback that moves a session from
// PENDING to ACTIVE and supplies its SSH connection details
func (c *Client) MarkStarted(ctx context.Context, id string, req models.MarkStartedRequest) (*models.MarkStartedResponse, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	var resp models.MarkStartedResponse
	if err := c.Execute(ctx, http.MethodPost, sessionPath(id, "mark_started"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndSession completes an ACTIVE session
func (c *Client) EndSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := c.Execute(ctx, http.MethodPost, sessionPath(id, "end_session"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CancelSession cancels a PENDING session
func (c *Client) CancelSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := c.Execute(ctx, http.MethodPost, sessionPath(id, "cancel_session"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ConnectionInfo returns the authoritative SSH endpoint of a session
func (c *Client) ConnectionInfo(ctx context.Context, id string) (*models.ConnectionInfo, error) {
	var info models.ConnectionInfo
	if err := c.Execute(ctx, http.MethodGet, sessionPath(id, "connection_info"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateGPUMetrics reports a utilization sample for an ACTIVE session
func (c *Client) UpdateGPUMetrics(ctx context.Context, id string, m models.GPUMetrics) (*models.Session, error) {
	if err := c.Validate(m); err != nil {
		return nil, err
	}

	var s models.Session
	if err := c.Execute(ctx, http.MethodPost, sessionPath(id, "update_gpu_metrics"), m, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateConnectionStatus reports whether the renter is connected
func (c *Client) UpdateConnectionStatus(ctx context.Context, id string, u models.ConnectionStatusUpdate) error {
	if err := c.Validate(u); err != nil {
		return err
	}
	return c.Execute(ctx, http.MethodPost, sessionPath(id, "update_connection_status"), u, nil)
}

// PendingForHost returns the PENDING sessions on the calling host's GPUs
func (c *Client) PendingForHost(ctx context.Context) ([]models.Session, error) {
	var out list[models.Session]
	if err := c.Execute(ctx, http.MethodGet, "/sessions/pending_for_host/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sessionPath(id, action string) string {
	p := "/sessions/" + url.PathEscape(id) + "/"
	if action != "" {
		p += action + "/"
	}
	return p
}
