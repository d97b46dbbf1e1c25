package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// DiskCommand lists local filesystems in GB
const DiskCommand = `df -BG 2>/dev/null | grep -v tmpfs | grep -v "^none"`

// lowDiskPct is the usage above which a mount counts as low on space
const lowDiskPct = 90

// Mount is disk usage of one mount point
type Mount struct {
	Filesystem string
	TotalGB    float64
	UsedGB     float64
	AvailGB    float64
	UsePct     int
	MountPoint string
}

// DiskStatus is parsed df output
type DiskStatus struct {
	Mounts []Mount
}

// IsLow returns true if any mount is above 90% usage
func (d *DiskStatus) IsLow() bool {
	for _, m := range d.Mounts {
		if m.UsePct > lowDiskPct {
			return true
		}
	}
	return false
}

// AvailableGB returns available space on /, or on the roomiest mount when
// / is missing
func (d *DiskStatus) AvailableGB() float64 {
	var best float64
	for _, m := range d.Mounts {
		if m.MountPoint == "/" {
			return m.AvailGB
		}
		best = max(best, m.AvailGB)
	}
	return best
}

// ParseDiskOutput parses df -BG output. Header and unparseable lines are
// skipped.
//
//	Filesystem     1G-blocks  Used Available Use% Mounted on
//	/dev/sda1           100G   45G       50G  45% /
func ParseDiskOutput(output string) *DiskStatus {
	status := &DiskStatus{}
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(strings.ToLower(line), "mounted on") {
			continue
		}
		if m, err := parseDFLine(line); err == nil {
			status.Mounts = append(status.Mounts, m)
		}
	}
	return status
}

func parseDFLine(line string) (Mount, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Mount{}, fmt.Errorf("expected at least 6 fields, got %d", len(fields))
	}

	m := Mount{Filesystem: fields[0], MountPoint: fields[len(fields)-1]}

	var err error
	if m.TotalGB, err = parseGB(fields[1]); err != nil {
		return Mount{}, fmt.Errorf("parse total: %w", err)
	}
	if m.UsedGB, err = parseGB(fields[2]); err != nil {
		return Mount{}, fmt.Errorf("parse used: %w", err)
	}
	if m.AvailGB, err = parseGB(fields[3]); err != nil {
		return Mount{}, fmt.Errorf("parse avail: %w", err)
	}
	if m.UsePct, err = strconv.Atoi(strings.TrimSuffix(fields[4], "%")); err != nil {
		return Mount{}, fmt.Errorf("parse pct %q: %w", fields[4], err)
	}
	return m, nil
}

func parseGB(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "G")
	if s == "" || s == "-" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
