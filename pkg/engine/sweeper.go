package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"biblioqueue/pkg/database"
	"biblioqueue/pkg/models"
	"biblioqueue/pkg/notify"
)

// ExpirySweeper finds matched reservations whose hold deadline has
// lapsed, expires them, returns their copies to the pool and hands the
// copies to the next reservation in the queue.
type ExpirySweeper struct {
	db       *gorm.DB
	reassign *ReassignmentService
	notifier notify.Notifier
}

func NewExpirySweeper(db *gorm.DB, reassign *ReassignmentService, notifier notify.Notifier) *ExpirySweeper {
	return &ExpirySweeper{db: db, reassign: reassign, notifier: notifier}
}

type SweepReport struct {
	Expired    int
	Reassigned int
	Skipped    int
	Failed     int
}

type expiryOutcome struct {
	skipped    bool
	reassigned bool
	events     []notify.Event
}

// Sweep processes every lapsed hold, one transaction per reservation so
// a single failure cannot block the batch. It returns an error only
// when the candidate list itself cannot be read.
func (s *ExpirySweeper) Sweep() (SweepReport, error) {
	var ids []uint
	err := s.db.Model(&models.Reservation{}).
		Where("status = ? AND hold_deadline < ?", models.ReservationMatched, time.Now()).
		Order("hold_deadline ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, id := range ids {
		outcome, err := s.expireOne(id)
		if err != nil {
			report.Failed++
			if errors.Is(err, ErrIntegrity) {
				log.Printf("WARNING: expiry of reservation %d rolled back: %v", id, err)
			} else {
				log.Printf("Failed to expire reservation %d: %v", id, err)
			}
			continue
		}
		if outcome.skipped {
			report.Skipped++
			continue
		}
		report.Expired++
		if outcome.reassigned {
			report.Reassigned++
		}
		for _, event := range outcome.events {
			s.notifier.Notify(event)
		}
	}
	return report, nil
}

// expireOne runs the expiry of a single reservation and the
// reassignment of its freed copy as one transaction: either both apply
// or neither does.
func (s *ExpirySweeper) expireOne(id uint) (expiryOutcome, error) {
	var outcome expiryOutcome
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var reservation models.Reservation
		err := database.LockForUpdate(tx).First(&reservation, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = expiryOutcome{skipped: true}
			return nil
		}
		if err != nil {
			return err
		}

		// Re-check under the lock: the hold may have been claimed or
		// cancelled since the candidate list was built.
		if reservation.Status != models.ReservationMatched ||
			reservation.HoldDeadline == nil ||
			reservation.HoldDeadline.After(time.Now()) {
			outcome = expiryOutcome{skipped: true}
			return nil
		}

		now := time.Now()
		copyID := reservation.CopyID
		reservation.Status = models.ReservationExpired
		reservation.ResolvedAt = &now
		reservation.AppendNote(fmt.Sprintf("hold expired by sweep at %s", now.UTC().Format(time.RFC3339)))
		if err := tx.Save(&reservation).Error; err != nil {
			return err
		}

		expired := notify.Event{
			Kind:           notify.ReservationExpired,
			ReservationUid: reservation.ReservationUid,
			TitleUid:       reservation.TitleUid,
			Username:       reservation.Username,
		}

		if copyID == nil {
			outcome.events = append(outcome.events, expired)
			return nil
		}

		var bookCopy models.Copy
		err = database.LockForUpdate(tx).First(&bookCopy, *copyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: reservation %d bound to missing copy %d",
				ErrIntegrity, reservation.ID, *copyID)
		}
		if err != nil {
			return err
		}
		expired.CopyUid = bookCopy.CopyUid
		outcome.events = append(outcome.events, expired)

		if bookCopy.Status != models.CopyReserved {
			// Already freed through another path; nothing to release.
			return nil
		}
		bookCopy.Status = models.CopyAvailable
		if err := tx.Save(&bookCopy).Error; err != nil {
			return err
		}

		result, err := s.reassign.ReassignInTx(tx, bookCopy.ID)
		if err != nil {
			return err
		}
		if result.Matched {
			outcome.reassigned = true
			outcome.events = append(outcome.events, reassignedEvent(result))
		}
		return nil
	})
	if err != nil {
		return expiryOutcome{}, err
	}
	return outcome, nil
}
