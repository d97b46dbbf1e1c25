// Package cost computes elapsed duration and accrued cost from session
// timestamps and a sampled "now". The same accrued amount is a renter's
// spend and the host's earning on that session.
package cost

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/labhya/labhya/pkg/models"
)

// InvalidDate is how an unparseable duration is rendered
const InvalidDate = "Invalid date"

// timestampLayouts are the formats the backend has been seen to emit.
// Layouts without a zone are read in the local zone, as a browser would.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a backend timestamp
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", s)
}

// Duration is the elapsed time of a session in whole hours and remainder
// minutes. Valid is false when a timestamp could not be parsed.
type Duration struct {
	Elapsed time.Duration
	Hours   int
	Minutes int
	Valid   bool
}

// String renders "Xh Ym", or "Ym" under an hour
func (d Duration) String() string {
	if !d.Valid {
		return InvalidDate
	}
	if d.Hours > 0 {
		return fmt.Sprintf("%dh %dm", d.Hours, d.Minutes)
	}
	return fmt.Sprintf("%dm", d.Minutes)
}

// bounds returns the start and effective end of s. The end is the
// session's end_time when set, else now.
func bounds(s *models.Session, now time.Time) (time.Time, time.Time, bool) {
	start, err := ParseTimestamp(s.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	end := now
	if s.EndTime != "" {
		end, err = ParseTimestamp(s.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	return start, end, true
}

// SessionDuration returns the elapsed duration of s at now. An end before
// the start yields zero, never a negative duration.
func SessionDuration(s *models.Session, now time.Time) Duration {
	start, end, ok := bounds(s, now)
	if !ok {
		return Duration{}
	}

	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	totalMinutes := int(elapsed / time.Minute)
	return Duration{
		Elapsed: elapsed,
		Hours:   totalMinutes / 60,
		Minutes: totalMinutes % 60,
		Valid:   true,
	}
}

// Accrued returns round(pricePerHour * fractional hours) for s at now.
// Unparseable timestamps accrue nothing.
func Accrued(s *models.Session, now time.Time) models.Amount {
	d := SessionDuration(s, now)
	if !d.Valid {
		return 0
	}
	return models.Amount(math.Round(s.GPU.PricePerHour.Float64() * d.Elapsed.Hours()))
}

// Summary holds the dashboard aggregates recomputed from the full collections
type Summary struct {
	TotalGPUs         int
	AvailableGPUs     int
	TotalSessions     int
	PendingSessions   int
	ActiveSessions    int
	CompletedSessions int

	// CurrentEarnings accrues over ACTIVE sessions, TotalEarnings over COMPLETED ones
	CurrentEarnings models.Amount
	TotalEarnings   models.Amount

	// TodaysEarnings accrues over ACTIVE and COMPLETED sessions started on now's calendar day
	TodaysEarnings models.Amount

	// TotalSpent sums completed payment transactions
	TotalSpent models.Amount
}

// Summarize recomputes every aggregate from scratch
func Summarize(gpus []models.GPU, sessions []models.Session, txs []models.Transaction, now time.Time) Summary {
	sum := Summary{
		TotalGPUs:     len(gpus),
		TotalSessions: len(sessions),
	}

	for i := range gpus {
		if gpus[i].Available {
			sum.AvailableGPUs++
		}
	}

	y, m, d := now.Date()
	for i := range sessions {
		s := &sessions[i]
		switch s.Status {
		case models.StatusPending:
			sum.PendingSessions++
			continue
		case models.StatusActive:
			sum.ActiveSessions++
			sum.CurrentEarnings += Accrued(s, now)
		case models.StatusCompleted:
			sum.CompletedSessions++
			sum.TotalEarnings += Accrued(s, now)
		default:
			continue
		}

		if start, err := ParseTimestamp(s.StartTime); err == nil {
			sy, sm, sd := start.In(now.Location()).Date()
			if sy == y && sm == m && sd == d {
				sum.TodaysEarnings += Accrued(s, now)
			}
		}
	}

	for i := range txs {
		tx := &txs[i]
		if tx.Type == models.TransactionPayment && tx.Status == models.TransactionCompleted {
			sum.TotalSpent += models.Amount(math.Abs(tx.Amount.Float64()))
		}
	}

	return sum
}
