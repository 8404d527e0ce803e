package admission

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
)

// Slot is a held admission reservation.
type Slot struct {
	id   uint64
	ctrl *Controller

	RequesterID       string
	Priority          core.Priority
	EstimatedDuration time.Duration
	OperationType     string
	AcquiredAt        time.Time
	Waited            time.Duration
}

// Release returns the slot. It is safe to call more than once and after a
// forced release; it reports whether this call freed the slot.
func (s *Slot) Release() bool {
	if s == nil || s.ctrl == nil {
		return false
	}
	return s.ctrl.release(s)
}

// SlotInfo is a read-only view of a slot.
type SlotInfo struct {
	RequesterID       string        `json:"requester_id"`
	Priority          core.Priority `json:"priority"`
	OperationType     string        `json:"operation_type,omitempty"`
	AcquiredAt        time.Time     `json:"acquired_at"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Waited            time.Duration `json:"waited"`
}

// Info returns a snapshot of s.
func (s *Slot) Info() SlotInfo {
	return SlotInfo{
		RequesterID:       s.RequesterID,
		Priority:          s.Priority,
		OperationType:     s.OperationType,
		AcquiredAt:        s.AcquiredAt,
		EstimatedDuration: s.EstimatedDuration,
		Waited:            s.Waited,
	}
}

// Do acquires a slot for req, runs fn and releases the slot on every exit
// path, including panics.
func (c *Controller) Do(ctx context.Context, req Request, fn func(ctx context.Context) error) error {
	slot, err := c.Acquire(ctx, req)
	if err != nil {
		return err
	}
	defer slot.Release()
	return fn(ctx)
}
