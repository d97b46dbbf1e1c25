package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/labhya/labhya/pkg/models"
)

// ListGPUs returns the GPUs visible to the caller. For a host the backend
// filters to the host's own listings.
func (c *Client) ListGPUs(ctx context.Context) ([]models.GPU, error) {
	var out list[models.GPU]
	if err := c.Execute(ctx, http.MethodGet, "/gpus/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AvailableGPUs returns the marketplace listing of rentable GPUs
func (c *Client) AvailableGPUs(ctx context.Context) ([]models.GPU, error) {
	var out list[models.GPU]
	if err := c.Execute(ctx, http.MethodGet, "/gpus/available/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HostGPUs returns the GPUs listed by one host
func (c *Client) HostGPUs(ctx context.Context, hostID string) ([]models.GPU, error) {
	var out list[models.GPU]
	if err := c.Execute(ctx, http.MethodGet, "/hosts/"+url.PathEscape(hostID)+"/gpus/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGPU returns a single GPU listing
func (c *Client) GetGPU(ctx context.Context, id string) (*models.GPU, error) {
	var gpu models.GPU
	if err := c.Execute(ctx, http.MethodGet, gpuPath(id), nil, &gpu); err != nil {
		return nil, err
	}
	return &gpu, nil
}

// CreateGPU lists a new GPU for the calling host
func (c *Client) CreateGPU(ctx context.Context, input models.GPUInput) (*models.GPU, error) {
	if err := c.Validate(input); err != nil {
		return nil, err
	}

	var gpu models.GPU
	if err := c.Execute(ctx, http.MethodPost, "/gpus/", input, &gpu); err != nil {
		return nil, err
	}
	return &gpu, nil
}

// UpdateGPU replaces a GPU listing
func (c *Client) UpdateGPU(ctx context.Context, id string, input models.GPUInput) (*models.GPU, error) {
	if err := c.Validate(input); err != nil {
		return nil, err
	}

	var gpu models.GPU
	if err := c.Execute(ctx, http.MethodPut, gpuPath(id), input, &gpu); err != nil {
		return nil, err
	}
	return &gpu, nil
}

// PatchGPU partially updates a GPU listing
func (c *Client) PatchGPU(ctx context.Context, id string, patch models.GPUPatch) (*models.GPU, error) {
	if err := c.Validate(patch); err != nil {
		return nil, err
	}

	var gpu models.GPU
	if err := c.Execute(ctx, http.MethodPatch, gpuPath(id), patch, &gpu); err != nil {
		return nil, err
	}
	return &gpu, nil
}

// DeleteGPU removes a GPU listing
func (c *Client) DeleteGPU(ctx context.Context, id string) error {
	return c.Execute(ctx, http.MethodDelete, gpuPath(id), nil, nil)
}

func gpuPath(id string) string {
	return "/gpus/" + url.PathEscape(id) + "/"
}
