// Package task defines the canonical scan task record, its state
// machine, and the kv-backed store that owns both.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a scan task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the recognized states.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the state machine as data. Expired is
// reachable from any non-terminal state via the TTL sweep.
var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusExpired},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScanType selects the scan credential mode.
type ScanType string

const (
	ScanTypeUntrusted     ScanType = "untrusted"
	ScanTypeAuthenticated ScanType = "authenticated"
)

// IsValid reports whether t is a recognized scan type.
func (t ScanType) IsValid() bool {
	return t == ScanTypeUntrusted || t == ScanTypeAuthenticated
}

// FailureReason is the closed set of terminal failure causes.
type FailureReason string

const (
	FailureScannerUnreachable FailureReason = "scanner_unreachable"
	FailureAuthentication     FailureReason = "authentication_failed"
	FailureCreateRejected     FailureReason = "create_rejected"
	FailureLaunchRejected     FailureReason = "launch_rejected"
	FailureExportFailed       FailureReason = "export_failed"
	FailureTimeout            FailureReason = "timeout"
	FailureCancelledByUser    FailureReason = "cancelled_by_user"
	FailureInternal           FailureReason = "internal_error"
)

// Task is the canonical scan task record.
type Task struct {
	ID             string   `json:"id"`
	ScanType       ScanType `json:"scan_type"`
	Targets        string   `json:"targets"`
	ScanName       string   `json:"scan_name"`
	Description    string   `json:"description,omitempty"`
	ScannerPool    string   `json:"scanner_pool"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`

	// Fingerprint detects idempotency-key reuse with a different payload.
	Fingerprint string `json:"fingerprint,omitempty"`

	Status        Status        `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	ScannerInstanceKey   string `json:"scanner_instance_key,omitempty"`
	RemoteScanID         string `json:"remote_scan_id,omitempty"`
	Progress             int    `json:"progress"`
	VulnerabilitiesFound *int   `json:"vulnerabilities_found,omitempty"`
	ArtifactPath         string `json:"artifact_path,omitempty"`
}

// NewID generates a task id in the submitter namespace:
// "<scan-type>-<entropy>-<UTC-timestamp>". The entropy slot keeps ids
// unique when two submits land on the same second.
func NewID(scanType ScanType, now time.Time) string {
	entropy := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", scanType, entropy, now.UTC().Format("20060102T150405Z"))
}

// Fingerprint hashes the submission payload so idempotent retries can be
// told apart from key reuse with a different request.
func PayloadFingerprint(targets, scanName string, scanType ScanType, pool string) string {
	h := sha256.Sum256([]byte(targets + "\x00" + scanName + "\x00" + string(scanType) + "\x00" + pool))
	return hex.EncodeToString(h[:16])
}
