// Package scanner defines the backend scanner capability contract and
// the registry that groups configured instances into pools.
package scanner

import (
	"context"
	"strings"

	"scand/internal/task"
)

// CreateRequest carries the fields a backend needs to define a scan.
type CreateRequest struct {
	Name        string
	Description string
	Targets     string
	ScanType    task.ScanType
}

// Status is the normalized state of a remote scan.
type Status struct {
	State    task.Status
	Progress int // 0-100
}

// Scanner is the capability contract a backend adapter implements.
// Authentication, session handling, and per-request HTTP policy are the
// adapter's concern.
type Scanner interface {
	// CreateScan defines a scan remotely and returns its remote id.
	CreateScan(ctx context.Context, req CreateRequest) (string, error)

	// LaunchScan starts the remote scan and returns the run uuid.
	LaunchScan(ctx context.Context, remoteID string) (string, error)

	// GetStatus reports the remote scan's normalized state and progress.
	GetStatus(ctx context.Context, remoteID string) (Status, error)

	// ExportResults downloads the scanner's native export.
	ExportResults(ctx context.Context, remoteID string) ([]byte, error)

	// StopScan asks the backend to stop a running scan.
	StopScan(ctx context.Context, remoteID string) (bool, error)

	// DeleteScan removes the remote scan definition.
	DeleteScan(ctx context.Context, remoteID string) (bool, error)

	// Close releases the adapter's resources.
	Close() error
}

// NormalizeStatus maps a backend state string onto the task state
// machine. The boolean is false for states outside the known mapping;
// callers should keep polling in that case.
func NormalizeStatus(backend string) (task.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "pending", "paused":
		return task.StatusQueued, true
	case "running":
		return task.StatusRunning, true
	case "completed":
		return task.StatusCompleted, true
	case "stopped", "canceled", "cancelled":
		return task.StatusCancelled, true
	case "aborted", "error":
		return task.StatusFailed, true
	default:
		return task.StatusRunning, false
	}
}
