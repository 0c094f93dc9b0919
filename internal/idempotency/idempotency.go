// ABOUTME: Idempotency record model, admission results, and the Store contract.
// ABOUTME: Backends wrap infrastructure failures in ErrStoreUnavailable.

package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// ErrNotOwner is returned by Complete when the record now belongs to another
// admission, or already holds a terminal status. The record is left untouched.
var ErrNotOwner = errors.New("idempotency record not owned")

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Admission is the result of trying to admit a message.
type Admission int

const (
	// Admitted means the caller now owns the message and must Complete it.
	Admitted Admission = iota
	// Duplicate means the message already finished within the retention window.
	Duplicate
	// InFlight means another worker is processing the message right now.
	InFlight
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Record is one message's idempotency entry.
type Record struct {
	MessageID     string    `json:"message_id"`
	Owner         string    `json:"owner,omitempty"`
	Status        Status    `json:"status"`
	ResultSummary string    `json:"result_summary,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// OwnedBy reports whether r is an in_progress record created by owner.
func (r Record) OwnedBy(owner string) bool {
	return r.Status == StatusInProgress && r.Owner == owner
}

// Store tracks message admission across workers. owner is an opaque token
// chosen by the caller for each admission attempt.
type Store interface {
	// Admit atomically creates an in_progress record for key, stamped with
	// owner, that expires after inFlightTTL, unless an unexpired record
	// already exists.
	Admit(ctx context.Context, key, owner string, inFlightTTL time.Duration) (Admission, error)
	// Complete records the terminal status and keeps it for retention. It
	// only writes when the record is missing, expired, or still in_progress
	// under owner; otherwise it returns ErrNotOwner.
	Complete(ctx context.Context, key, owner string, status Status, summary string, retention time.Duration) error
	// Abandon deletes the record if it is still in_progress under owner.
	Abandon(ctx context.Context, key, owner string) error
	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}

// AdmissionFor maps an existing record's status to the admission result a
// second caller should see.
func AdmissionFor(status Status) Admission {
	if status == StatusInProgress {
		return InFlight
	}
	return Duplicate
}

// Terminal reports whether status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
