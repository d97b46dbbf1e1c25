package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"

	"github.com/labhya/labhya/internal/service/cost"
	"github.com/labhya/labhya/pkg/models"
)

func jsonOutput() bool {
	return outputFormat == "json"
}

func printJSON(v any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
}

func money(a models.Amount) string {
	return "₹" + humanize.FormatFloat("#,###.##", a.Float64())
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func availability(g models.GPU) string {
	if g.Available {
		return "yes"
	}
	return "no"
}

func printGPUs(gpus []models.GPU) error {
	if jsonOutput() {
		return printJSON(gpus)
	}
	if len(gpus) == 0 {
		fmt.Fprintln(stdout, "No GPUs found.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tMODEL\tMEMORY\tPRICE/HR\tLOCATION\tAVAILABLE")
	fmt.Fprintln(w, "--\t----\t-----\t------\t--------\t--------\t---------")
	for _, g := range gpus {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dGB\t%s\t%s\t%s\n",
			g.ID,
			g.Name,
			truncateString(g.Model, 24),
			g.MemoryGB,
			money(g.PricePerHour),
			g.Location,
			availability(g),
		)
	}
	w.Flush()

	fmt.Fprintf(stdout, "\nTotal: %d GPUs\n", len(gpus))
	return nil
}

func printSessions(sessions []models.Session, p *cost.Projector) error {
	if jsonOutput() {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions found.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tGPU\tSTATUS\tSTARTED\tDURATION\tCOST")
	fmt.Fprintln(w, "--\t---\t------\t-------\t--------\t----")
	for i := range sessions {
		s := &sessions[i]
		duration, accrued := "-", "-"
		if s.Status == models.StatusActive || s.Status == models.StatusCompleted {
			duration = p.Duration(s).String()
			accrued = money(p.Accrued(s))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			sessionGPUName(s),
			s.Status,
			started(s),
			duration,
			accrued,
		)
	}
	w.Flush()

	fmt.Fprintf(stdout, "\nTotal: %d sessions\n", len(sessions))
	return nil
}

func sessionGPUName(s *models.Session) string {
	if s.GPUName != "" {
		return s.GPUName
	}
	if s.GPU.Name != "" {
		return s.GPU.Name
	}
	return s.GPU.ID
}

func started(s *models.Session) string {
	t, err := cost.ParseTimestamp(s.StartTime)
	if err != nil {
		return "-"
	}
	return humanize.Time(t)
}

func printSession(s *models.Session, p *cost.Projector) error {
	if jsonOutput() {
		return printJSON(s)
	}

	fmt.Fprintf(stdout, "Session ID:     %s\n", s.ID)
	fmt.Fprintf(stdout, "GPU:            %s\n", sessionGPUName(s))
	fmt.Fprintf(stdout, "Status:         %s\n", s.Status)
	fmt.Fprintf(stdout, "Started:        %s\n", started(s))
	if s.Status == models.StatusActive || s.Status == models.StatusCompleted {
		fmt.Fprintf(stdout, "Duration:       %s\n", p.Duration(s))
		fmt.Fprintf(stdout, "Cost:           %s\n", money(p.Accrued(s)))
	}
	if s.Status == models.StatusCompleted {
		fmt.Fprintf(stdout, "Billed:         %s\n", money(s.TotalCost))
	}

	if s.HasConnection() {
		fmt.Fprintln(stdout, "\nSSH Connection:")
		fmt.Fprintf(stdout, "  %s\n", sshCommand(s))
		if s.SSHPassword != "" {
			fmt.Fprintf(stdout, "  password: %s\n", s.SSHPassword)
		}
	}
	return nil
}

func sshCommand(s *models.Session) string {
	if s.SSHConnectionString != "" {
		return s.SSHConnectionString
	}
	return fmt.Sprintf("ssh -p %d %s@%s", s.SSHPort, s.SSHUsername, s.SSHHost)
}
