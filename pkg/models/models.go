package models

import (
	"fmt"
	"time"
)

// Copy statuses.
const (
	CopyAvailable   = "AVAILABLE"
	CopyReserved    = "RESERVED"
	CopyOnLoan      = "ON_LOAN"
	CopyMaintenance = "MAINTENANCE"
	CopyLost        = "LOST"
)

// Reservation statuses. EXPIRED, FULFILLED and CANCELLED are terminal.
const (
	ReservationQueued    = "QUEUED"
	ReservationMatched   = "MATCHED"
	ReservationExpired   = "EXPIRED"
	ReservationFulfilled = "FULFILLED"
	ReservationCancelled = "CANCELLED"
)

// Copy is one physical instance of a title.
type Copy struct {
	ID        uint   `gorm:"primaryKey"`
	CopyUid   string `gorm:"type:uuid;uniqueIndex;not null"`
	TitleUid  string `gorm:"type:uuid;index;not null"`
	Status    string `gorm:"size:20;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reservation is a user's standing request for a title. QueuedAt defines
// FIFO order within a title's queue; HoldDeadline is set once a copy is
// bound; ResolvedAt is set on entering a terminal state and drives
// retention cleanup.
type Reservation struct {
	ID             uint   `gorm:"primaryKey"`
	ReservationUid string `gorm:"type:uuid;uniqueIndex;not null"`
	TitleUid       string `gorm:"type:uuid;index;not null"`
	Username       string `gorm:"size:80;not null"`
	CopyID         *uint  `gorm:"index"`
	Status         string `gorm:"size:20;not null;index"`
	Notes          string
	QueuedAt       time.Time `gorm:"index;not null"`
	HoldDeadline   *time.Time
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var copyStatuses = map[string]bool{
	CopyAvailable:   true,
	CopyReserved:    true,
	CopyOnLoan:      true,
	CopyMaintenance: true,
	CopyLost:        true,
}

// Validate checks the copy against the known status set.
func (c *Copy) Validate() error {
	if !copyStatuses[c.Status] {
		return fmt.Errorf("copy %d has unknown status %q", c.ID, c.Status)
	}
	return nil
}

// Validate checks the structural invariants of a reservation row:
// a matched reservation carries a copy binding and a hold deadline, a
// queued one carries neither, and terminal rows record when they were
// resolved.
func (r *Reservation) Validate() error {
	switch r.Status {
	case ReservationQueued:
		if r.CopyID != nil {
			return fmt.Errorf("queued reservation %d must not be bound to a copy", r.ID)
		}
	case ReservationMatched:
		if r.CopyID == nil {
			return fmt.Errorf("matched reservation %d has no copy bound", r.ID)
		}
		if r.HoldDeadline == nil {
			return fmt.Errorf("matched reservation %d has no hold deadline", r.ID)
		}
	case ReservationExpired, ReservationFulfilled, ReservationCancelled:
		if r.ResolvedAt == nil {
			return fmt.Errorf("%s reservation %d has no resolved timestamp", r.Status, r.ID)
		}
	default:
		return fmt.Errorf("reservation %d has unknown status %q", r.ID, r.Status)
	}
	return nil
}

// IsTerminal reports whether the reservation can no longer participate
// in matching.
func (r *Reservation) IsTerminal() bool {
	return r.Status == ReservationExpired ||
		r.Status == ReservationFulfilled ||
		r.Status == ReservationCancelled
}

// IsActive reports whether the reservation counts against the
// one-active-hold-per-user-and-title rule.
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationQueued || r.Status == ReservationMatched
}

// AppendNote adds a line to the reservation's audit trail.
func (r *Reservation) AppendNote(note string) {
	if r.Notes == "" {
		r.Notes = note
		return
	}
	r.Notes = r.Notes + "\n" + note
}
