package engine

import (
	"errors"

	"gorm.io/gorm"

	"biblioqueue/pkg/models"
)

// NextEligible returns the oldest queued reservation for a title, or nil
// when the queue is empty. Ties on queued_at break by ascending id so
// the selection is deterministic. Read-only: safe to re-evaluate inside
// a retried transaction.
func NextEligible(db *gorm.DB, titleUid string) (*models.Reservation, error) {
	var reservation models.Reservation
	err := db.Where("title_uid = ? AND status = ?", titleUid, models.ReservationQueued).
		Order("queued_at ASC, id ASC").
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}
