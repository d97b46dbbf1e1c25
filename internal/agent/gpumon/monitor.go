// Package gpumon samples GPU utilization on the host through nvidia-smi.
package gpumon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/labhya/labhya/pkg/models"
)

const (
	// commandTimeout is the timeout for nvidia-smi execution
	commandTimeout = 5 * time.Second

	queryFields = "utilization.gpu,memory.used,memory.total,temperature.gpu"
	csvFormat   = "csv,noheader,nounits"

	// QueryCommand is the shell form of the query Sample runs, for remote hosts
	QueryCommand = "nvidia-smi --query-gpu=" + queryFields + " --format=" + csvFormat
)

// ErrUnavailable is returned when no sample could be taken
var ErrUnavailable = errors.New("gpu metrics unavailable")

// Stats is one sample, averaged over every GPU on the host
type Stats struct {
	UtilizationPct float64
	MemoryUsedMB   int
	MemoryTotalMB  int
	TemperatureC   float64
}

// Metrics converts the sample into the payload of update_gpu_metrics
func (s Stats) Metrics() models.GPUMetrics {
	var memPct float64
	if s.MemoryTotalMB > 0 {
		memPct = float64(s.MemoryUsedMB) / float64(s.MemoryTotalMB) * 100
	}
	return models.GPUMetrics{
		GPUUtilization:    clampPct(s.UtilizationPct),
		MemoryUtilization: clampPct(memPct),
		Temperature:       max(s.TemperatureC, 0),
	}
}

func clampPct(v float64) float64 {
	return min(max(v, 0), 100)
}

// Runner executes a command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Monitor queries GPU statistics via nvidia-smi
type Monitor struct {
	logger *slog.Logger
	run    Runner
}

// Option configures the monitor
type Option func(*Monitor)

// WithRunner replaces command execution (for testing)
func WithRunner(r Runner) Option {
	return func(m *Monitor) {
		m.run = r
	}
}

// NewMonitor creates a new GPU monitor
func NewMonitor(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger: logger,
		run:    execRunner,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample takes one reading. Any failure of nvidia-smi is logged and
// reported as ErrUnavailable.
func (m *Monitor) Sample(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	output, err := m.run(ctx, "nvidia-smi",
		"--query-gpu="+queryFields,
		"--format="+csvFormat)
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound):
			m.logger.Warn("nvidia-smi not found, GPU monitoring unavailable")
		case errors.As(err, &exitErr):
			m.logger.Warn("nvidia-smi failed",
				slog.String("error", err.Error()),
				slog.String("stderr", string(exitErr.Stderr)))
		case ctx.Err() != nil:
			m.logger.Warn("nvidia-smi timed out", slog.Duration("timeout", commandTimeout))
		default:
			m.logger.Warn("nvidia-smi execution failed", slog.String("error", err.Error()))
		}
		return Stats{}, ErrUnavailable
	}

	stats, err := ParseOutput(string(output))
	if err != nil {
		m.logger.Warn("failed to parse nvidia-smi output",
			slog.String("error", err.Error()),
			slog.String("output", string(output)))
		return Stats{}, ErrUnavailable
	}

	return stats, nil
}

// ParseOutput parses the CSV output of QueryCommand. Utilization and
// temperature are averaged over GPUs; memory is summed.
func ParseOutput(output string) (Stats, error) {
	var (
		util, temp        float64
		memUsed, memTotal int
		gpuCount          int
	)

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return Stats{}, fmt.Errorf("unexpected csv format: expected 4 fields, got %d", len(parts))
		}

		u, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to parse utilization: %w", err)
		}
		used, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return Stats{}, fmt.Errorf("failed to parse memory used: %w", err)
		}
		total, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return Stats{}, fmt.Errorf("failed to parse memory total: %w", err)
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to parse temperature: %w", err)
		}

		util += u
		temp += t
		memUsed += used
		memTotal += total
		gpuCount++
	}

	if gpuCount == 0 {
		return Stats{}, errors.New("no GPU data found")
	}

	return Stats{
		UtilizationPct: util / float64(gpuCount),
		MemoryUsedMB:   memUsed,
		MemoryTotalMB:  memTotal,
		TemperatureC:   temp / float64(gpuCount),
	}, nil
}
