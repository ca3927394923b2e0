package engine

import "errors"

var (
	// ErrIntegrity marks writes that would break the copy/reservation
	// invariants. The surrounding transaction rolls back and the batch
	// moves on to the next item.
	ErrIntegrity = errors.New("data integrity violation")

	ErrReservationNotFound  = errors.New("reservation not found")
	ErrCopyNotFound         = errors.New("copy not found")
	ErrDuplicateReservation = errors.New("user already has an active reservation for this title")
	ErrWrongState           = errors.New("operation not allowed in current state")
)
