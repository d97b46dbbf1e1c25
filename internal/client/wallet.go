package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/pkg/models"
)

// GetWallet returns the caller's wallet
func (c *Client) GetWallet(ctx context.Context) (*models.Wallet, error) {
	var out one[models.Wallet]
	if err := c.Execute(ctx, http.MethodGet, "/wallets/", nil, &out); err != nil {
		return nil, err
	}
	if !out.found {
		return nil, &HTTPError{Status: http.StatusNotFound, Message: "no wallet"}
	}
	return &out.value, nil
}

// AddFunds deposits amount into the caller's wallet
func (c *Client) AddFunds(ctx context.Context, amount float64, description string) (*models.FundsResponse, error) {
	return c.moveFunds(ctx, "/wallets/add_funds/", "funds_added", amount, description)
}

// WithdrawFunds withdraws amount from the caller's wallet. The balance check
// is the caller's concern; the backend enforces it authoritatively.
func (c *Client) WithdrawFunds(ctx context.Context, amount float64, description string) (*models.FundsResponse, error) {
	return c.moveFunds(ctx, "/wallets/withdraw_funds/", "funds_withdrawn", amount, description)
}

func (c *Client) moveFunds(ctx context.Context, endpoint, event string, amount float64, description string) (*models.FundsResponse, error) {
	req := models.FundsRequest{Amount: amount, Description: description}
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	var resp models.FundsResponse
	if err := c.Execute(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return nil, err
	}

	logging.Audit(ctx, event,
		slog.Float64("amount", amount),
		slog.Float64("new_balance", resp.NewBalance.Float64()))
	return &resp, nil
}

// ListTransactions returns the caller's ledger entries
func (c *Client) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	var out list[models.Transaction]
	if err := c.Execute(ctx, http.MethodGet, "/transactions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DashboardStats returns the server-computed dashboard aggregates
func (c *Client) DashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	var stats models.DashboardStats
	if err := c.Execute(ctx, http.MethodGet, "/dashboard/stats/", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Heartbeat reports that the host agent is alive
func (c *Client) Heartbeat(ctx context.Context, hostID string) (*models.HeartbeatResponse, error) {
	var resp models.HeartbeatResponse
	if err := c.Execute(ctx, http.MethodPost, "/hosts/"+url.PathEscape(hostID)+"/heartbeat/", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HostSessions returns the sessions on one host's GPUs
func (c *Client) HostSessions(ctx context.Context, hostID string) ([]models.Session, error) {
	var out list[models.Session]
	if err := c.Execute(ctx, http.MethodGet, "/hosts/"+url.PathEscape(hostID)+"/sessions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
