package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"biblioqueue/pkg/database"
	"biblioqueue/pkg/models"
	"biblioqueue/pkg/notify"
)

// ReservationManager owns the state-machine edges driven by users:
// placing a hold, cancelling it, borrowing the matched copy and
// returning a loaned copy.
type ReservationManager struct {
	db       *gorm.DB
	reassign *ReassignmentService
	notifier notify.Notifier
}

func NewReservationManager(db *gorm.DB, reassign *ReassignmentService, notifier notify.Notifier) *ReservationManager {
	return &ReservationManager{db: db, reassign: reassign, notifier: notifier}
}

// Request places a hold for a user on a title. A user may hold at most
// one active reservation per title. If a copy of the title is free it
// is offered to the queue head immediately, through the same locked
// path a return would take, so a new request never jumps an older one.
func (m *ReservationManager) Request(titleUid, username string) (*models.Reservation, error) {
	var reservation models.Reservation
	var matchResult ReassignResult
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&models.Reservation{}).
			Where("title_uid = ? AND username = ? AND status IN ?", titleUid, username,
				[]string{models.ReservationQueued, models.ReservationMatched}).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrDuplicateReservation
		}

		reservation = models.Reservation{
			ReservationUid: uuid.New().String(),
			TitleUid:       titleUid,
			Username:       username,
			Status:         models.ReservationQueued,
			QueuedAt:       time.Now(),
		}
		if err := tx.Create(&reservation).Error; err != nil {
			return err
		}

		var bookCopy models.Copy
		err = database.LockForUpdate(tx).
			Where("title_uid = ? AND status = ?", titleUid, models.CopyAvailable).
			Order("id ASC").
			First(&bookCopy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		matchResult, err = m.reassign.ReassignInTx(tx, bookCopy.ID)
		if err != nil {
			return err
		}
		if matchResult.Matched && matchResult.Reservation.ID == reservation.ID {
			reservation = *matchResult.Reservation
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if matchResult.Matched {
		m.notifier.Notify(reassignedEvent(matchResult))
	}
	return &reservation, nil
}

// Cancel withdraws a queued or matched reservation. A copy bound to the
// hold goes back to the pool and is offered to the next in queue within
// the same transaction.
func (m *ReservationManager) Cancel(reservationUid string) error {
	var matchResult ReassignResult
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var reservation models.Reservation
		err := database.LockForUpdate(tx).
			Where("reservation_uid = ?", reservationUid).
			First(&reservation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationUid)
		}
		if err != nil {
			return err
		}
		if reservation.IsTerminal() {
			return fmt.Errorf("%w: reservation %s is already %s",
				ErrWrongState, reservationUid, reservation.Status)
		}

		copyID := reservation.CopyID
		wasMatched := reservation.Status == models.ReservationMatched

		now := time.Now()
		reservation.Status = models.ReservationCancelled
		reservation.ResolvedAt = &now
		reservation.AppendNote("cancelled by user")
		if err := tx.Save(&reservation).Error; err != nil {
			return err
		}

		if !wasMatched || copyID == nil {
			return nil
		}

		var bookCopy models.Copy
		err = database.LockForUpdate(tx).First(&bookCopy, *copyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: reservation %s bound to missing copy %d",
				ErrIntegrity, reservationUid, *copyID)
		}
		if err != nil {
			return err
		}
		if bookCopy.Status != models.CopyReserved {
			return nil
		}
		bookCopy.Status = models.CopyAvailable
		if err := tx.Save(&bookCopy).Error; err != nil {
			return err
		}

		matchResult, err = m.reassign.ReassignInTx(tx, bookCopy.ID)
		return err
	})
	if err != nil {
		return err
	}
	if matchResult.Matched {
		m.notifier.Notify(reassignedEvent(matchResult))
	}
	return nil
}

// Borrow converts a matched hold into a loan when the user picks the
// copy up within the hold window.
func (m *ReservationManager) Borrow(reservationUid string) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		var reservation models.Reservation
		err := database.LockForUpdate(tx).
			Where("reservation_uid = ?", reservationUid).
			First(&reservation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationUid)
		}
		if err != nil {
			return err
		}
		if reservation.Status != models.ReservationMatched {
			return fmt.Errorf("%w: reservation %s is %s, not matched",
				ErrWrongState, reservationUid, reservation.Status)
		}
		if reservation.CopyID == nil {
			return fmt.Errorf("%w: matched reservation %s has no copy bound",
				ErrIntegrity, reservationUid)
		}

		var bookCopy models.Copy
		if err := database.LockForUpdate(tx).First(&bookCopy, *reservation.CopyID).Error; err != nil {
			return err
		}
		if bookCopy.Status != models.CopyReserved {
			return fmt.Errorf("%w: copy %s is %s, expected reserved",
				ErrIntegrity, bookCopy.CopyUid, bookCopy.Status)
		}

		now := time.Now()
		reservation.Status = models.ReservationFulfilled
		reservation.ResolvedAt = &now
		if err := tx.Save(&reservation).Error; err != nil {
			return err
		}

		bookCopy.Status = models.CopyOnLoan
		return tx.Save(&bookCopy).Error
	})
}

// Return puts a loaned copy back into the pool and immediately offers
// it to the title's queue; the return and the reassignment commit
// together.
func (m *ReservationManager) Return(copyUid string) (ReassignResult, error) {
	var matchResult ReassignResult
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var bookCopy models.Copy
		err := database.LockForUpdate(tx).
			Where("copy_uid = ?", copyUid).
			First(&bookCopy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrCopyNotFound, copyUid)
		}
		if err != nil {
			return err
		}
		if bookCopy.Status != models.CopyOnLoan {
			return fmt.Errorf("%w: copy %s is %s, not on loan",
				ErrWrongState, copyUid, bookCopy.Status)
		}

		bookCopy.Status = models.CopyAvailable
		if err := tx.Save(&bookCopy).Error; err != nil {
			return err
		}

		matchResult, err = m.reassign.ReassignInTx(tx, bookCopy.ID)
		return err
	})
	if err != nil {
		return ReassignResult{}, err
	}
	if matchResult.Matched {
		m.notifier.Notify(reassignedEvent(matchResult))
	}
	return matchResult, nil
}
