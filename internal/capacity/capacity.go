package capacity

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
)

// Checker decides whether an allocation of the given size may proceed.
type Checker interface {
	Reserve(bytes int64) error
}

// Unlimited accepts every request.
type Unlimited struct{}

// Reserve always succeeds.
func (Unlimited) Reserve(int64) error { return nil }

// SystemChecker compares requests against available system memory and an optional hard limit.
type SystemChecker struct {
	limitBytes int64
	available  func() (uint64, error)
}

// System creates a checker backed by gopsutil. A limit of 0 disables the hard limit.
func System(limitBytes int64) *SystemChecker {
	return &SystemChecker{
		limitBytes: limitBytes,
		available: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
}

// Reserve returns ErrCapacity if bytes exceeds the configured limit or the memory currently available.
func (c *SystemChecker) Reserve(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if c.limitBytes > 0 && bytes > c.limitBytes {
		return fmt.Errorf("%w: requested %s exceeds limit %s", osmerr.ErrCapacity, FormatBytes(bytes), FormatBytes(c.limitBytes))
	}
	avail, err := c.available()
	if err != nil {
		// Memory statistics are unavailable on some platforms; only the hard limit applies there.
		return nil
	}
	if uint64(bytes) > avail {
		return fmt.Errorf("%w: requested %s but only %s available", osmerr.ErrCapacity, FormatBytes(bytes), FormatBytes(int64(avail)))
	}
	return nil
}

// FormatBytes formats bytes in a human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
