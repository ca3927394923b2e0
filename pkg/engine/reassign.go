package engine

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"biblioqueue/pkg/database"
	"biblioqueue/pkg/models"
	"biblioqueue/pkg/notify"
)

const DefaultHoldWindow = 3 * 24 * time.Hour

// ReassignResult reports the outcome of one reassignment attempt.
// Skipped means the copy was no longer available under the row lock:
// another caller won the race and the attempt was a safe no-op.
type ReassignResult struct {
	Matched     bool
	Skipped     bool
	Reservation *models.Reservation
	Copy        *models.Copy
}

// ReassignmentService binds freed copies to the next reservation in a
// title's FIFO queue.
type ReassignmentService struct {
	db       *gorm.DB
	notifier notify.Notifier

	// HoldWindow is how long a matched reservation may stay unclaimed
	// before the sweeper expires it.
	HoldWindow time.Duration
}

func NewReassignmentService(db *gorm.DB, notifier notify.Notifier) *ReassignmentService {
	return &ReassignmentService{
		db:         db,
		notifier:   notifier,
		HoldWindow: DefaultHoldWindow,
	}
}

// ReassignInTx hands a freed copy to the head of its title's queue. It
// runs on the caller's transaction handle: commit and rollback stay
// with the caller, so a release and its reassignment form one atomic
// unit. Events are not emitted here; the caller emits them after its
// transaction commits.
func (s *ReassignmentService) ReassignInTx(tx *gorm.DB, copyID uint) (ReassignResult, error) {
	var bookCopy models.Copy
	err := database.LockForUpdate(tx).First(&bookCopy, copyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReassignResult{}, fmt.Errorf("%w: copy %d", ErrCopyNotFound, copyID)
	}
	if err != nil {
		return ReassignResult{}, err
	}

	// Re-read under the lock: a concurrent caller may have claimed the
	// copy between the caller's read and ours.
	if bookCopy.Status != models.CopyAvailable {
		return ReassignResult{Skipped: true, Copy: &bookCopy}, nil
	}

	next, err := NextEligible(tx, bookCopy.TitleUid)
	if err != nil {
		return ReassignResult{}, err
	}
	if next == nil {
		return ReassignResult{Copy: &bookCopy}, nil
	}

	// Lock the queue head and make sure it is still queued.
	var reservation models.Reservation
	if err := database.LockForUpdate(tx).First(&reservation, next.ID).Error; err != nil {
		return ReassignResult{}, err
	}
	if reservation.Status != models.ReservationQueued {
		return ReassignResult{Skipped: true, Copy: &bookCopy}, nil
	}

	deadline := time.Now().Add(s.HoldWindow)
	reservation.CopyID = &bookCopy.ID
	reservation.Status = models.ReservationMatched
	reservation.HoldDeadline = &deadline
	if err := reservation.Validate(); err != nil {
		return ReassignResult{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if err := tx.Save(&reservation).Error; err != nil {
		return ReassignResult{}, err
	}

	bookCopy.Status = models.CopyReserved
	if err := tx.Save(&bookCopy).Error; err != nil {
		return ReassignResult{}, err
	}

	return ReassignResult{Matched: true, Reservation: &reservation, Copy: &bookCopy}, nil
}

// ReassignOnReturn is the standalone form for callers with no ambient
// transaction: it opens its own and emits copy_reassigned once the
// match has committed.
func (s *ReassignmentService) ReassignOnReturn(copyID uint) (ReassignResult, error) {
	var result ReassignResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ReassignInTx(tx, copyID)
		return err
	})
	if err != nil {
		return ReassignResult{}, err
	}
	if result.Matched {
		s.notifier.Notify(reassignedEvent(result))
	}
	return result, nil
}

func reassignedEvent(result ReassignResult) notify.Event {
	return notify.Event{
		Kind:           notify.CopyReassigned,
		ReservationUid: result.Reservation.ReservationUid,
		TitleUid:       result.Reservation.TitleUid,
		Username:       result.Reservation.Username,
		CopyUid:        result.Copy.CopyUid,
	}
}
