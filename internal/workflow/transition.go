// Package workflow validates status transitions and coordinates review state
// for a single work item.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"cmsflow/internal/domain"
	"cmsflow/internal/status"
)

var (
	// ErrInvalidTransition is matched by every *RejectedError.
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrUnknownStatus is returned for target tokens that are not canonical.
	ErrUnknownStatus = errors.New("unknown status")
)

// RejectedError is a business-rule rejection of a status change.
type RejectedError struct {
	Current   status.Status
	Attempted status.Status
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.Current, e.Attempted)
}

func (e *RejectedError) Is(target error) bool { return target == ErrInvalidTransition }

// Code is the machine readable rejection code.
func (e *RejectedError) Code() string { return "invalid_transition" }

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to status.Status) bool {
	if from == status.Failed && to == status.Pending {
		return true
	}
	return status.Allowed(from, to)
}

// ParseTarget turns a requested target token into a canonical status.
// Targets must be canonical; legacy aliases are accepted only when reading
// stored data.
func ParseTarget(token string) (status.Status, error) {
	s := status.Status(token)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, token)
	}
	return s, nil
}

type Options struct {
	ChangedBy string
	Reason    string
	At        time.Time
}

// CurrentStatus is the canonical status of item. The last history entry wins
// over the stored status field; legacy tokens are resolved.
func CurrentStatus(item domain.WorkItem) status.Status {
	if n := len(item.StatusHistory); n > 0 {
		return status.Resolve(string(item.StatusHistory[n-1].Status))
	}
	return status.Resolve(string(item.Status))
}

// Transition validates and applies a status change. On success it returns a
// copy of item with one history entry appended. On rejection item is
// returned unchanged.
func Transition(item domain.WorkItem, target status.Status, opts Options) (domain.WorkItem, domain.StatusChange, error) {
	if !target.Valid() {
		return item, domain.StatusChange{}, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}
	current := CurrentStatus(item)
	if !CanTransition(current, target) {
		return item, domain.StatusChange{}, &RejectedError{Current: current, Attempted: target}
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := domain.StatusChange{
		Status:    target,
		ChangedAt: at.UTC().Format(time.RFC3339),
		ChangedBy: opts.ChangedBy,
		Reason:    opts.Reason,
	}
	next := item
	next.StatusHistory = make([]domain.StatusChange, len(item.StatusHistory), len(item.StatusHistory)+1)
	copy(next.StatusHistory, item.StatusHistory)
	next.StatusHistory = append(next.StatusHistory, entry)
	next.Status = target
	next.UpdatedAt = entry.ChangedAt
	return next, entry, nil
}
