package mockbackend

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labhya/labhya/pkg/models"
)

// The backend serializes decimal fields as fixed two-place strings
func decimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func (s *Server) accountName(profileID string) string {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	if acct, ok := s.state.profiles[profileID]; ok {
		return acct.Name
	}
	return ""
}

func (s *Server) renderGPU(g GPU) map[string]any {
	return map[string]any{
		"id":               g.ID,
		"host":             g.HostID,
		"host_name":        s.accountName(g.HostID),
		"gpu_name":         g.Name,
		"gpu_model":        g.Model,
		"gpu_memory":       g.MemoryGB,
		"gpu_price":        decimal(g.Price),
		"gpu_location":     g.Location,
		"gpu_availability": g.Available,
		"created_at":       formatTime(g.CreatedAt),
		"updated_at":       formatTime(g.UpdatedAt),
	}
}

func (s *Server) renderGPUs(gpus []GPU) []map[string]any {
	out := make([]map[string]any, 0, len(gpus))
	for _, g := range gpus {
		out = append(out, s.renderGPU(g))
	}
	return out
}

func (s *Server) renderSession(sess Session) map[string]any {
	out := map[string]any{
		"id":          sess.ID,
		"renter":      sess.RenterID,
		"renter_name": s.accountName(sess.RenterID),
		"host":        sess.HostID,
		"host_name":   s.accountName(sess.HostID),
		"status":      string(sess.Status),
		"start_time":  formatTime(sess.StartTime),
		"end_time":    optionalTime(sess.EndTime),
		"total_cost":  decimal(sess.TotalCost),
		"created_at":  formatTime(sess.CreatedAt),
		"updated_at":  formatTime(sess.UpdatedAt),
	}

	if g, ok := s.state.GPU(sess.GPUID); ok {
		out["gpu"] = s.renderGPU(g)
		out["gpu_name"] = g.Name
	} else {
		out["gpu"] = sess.GPUID
	}

	if sess.SSHHost != "" {
		out["ssh_host"] = sess.SSHHost
		out["ssh_port"] = sess.SSHPort
		out["ssh_username"] = sess.SSHUsername
		out["ssh_password"] = sess.SSHPassword
		out["ssh_connection_string"] = connectionString(sess)
	}

	if sess.Status == models.StatusCompleted {
		out["session_duration"] = sess.EndTime.Sub(sess.StartTime).Round(time.Second).String()
	}

	if sess.Metrics != nil {
		out["gpu_utilization"] = sess.Metrics.GPUUtilization
		out["memory_utilization"] = sess.Metrics.MemoryUtilization
		out["temperature"] = sess.Metrics.Temperature
	}
	return out
}

func (s *Server) renderSessions(sessions []Session) []map[string]any {
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.renderSession(sess))
	}
	return out
}

func connectionString(sess Session) string {
	if sess.SSHHost == "" {
		return ""
	}
	if sess.SSHPort == 0 || sess.SSHPort == 22 {
		return fmt.Sprintf("ssh %s@%s", sess.SSHUsername, sess.SSHHost)
	}
	return fmt.Sprintf("ssh %s@%s -p %d", sess.SSHUsername, sess.SSHHost, sess.SSHPort)
}

func renderProfile(acct *Account, w *Wallet) map[string]any {
	return map[string]any{
		"id": acct.ProfileID,
		"user": map[string]any{
			"id":         acct.ID,
			"username":   acct.Email,
			"email":      acct.Email,
			"first_name": acct.Name,
		},
		"wallet": map[string]any{
			"id":      w.ID,
			"balance": decimal(w.Balance),
		},
	}
}

func renderWallet(acct *Account, w Wallet) map[string]any {
	return map[string]any{
		"id":         w.ID,
		"balance":    decimal(w.Balance),
		"currency":   "INR",
		"owner_name": acct.Name,
		"owner_type": string(w.OwnerType),
		"created_at": formatTime(w.CreatedAt),
		"updated_at": formatTime(w.UpdatedAt),
	}
}

func renderTransactions(acct *Account, txs []Transaction) []map[string]any {
	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, map[string]any{
			"id":               tx.ID,
			"wallet":           tx.WalletID,
			"amount":           decimal(tx.Amount),
			"transaction_type": string(tx.Type),
			"status":           string(tx.Status),
			"description":      tx.Description,
			"wallet_owner":     acct.Name,
			"created_at":       formatTime(tx.CreatedAt),
		})
	}
	return out
}
