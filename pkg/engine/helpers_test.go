package engine

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"biblioqueue/pkg/models"
	"biblioqueue/pkg/notify"
)

func setupTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic("failed to connect test database")
	}
	db.AutoMigrate(&models.Copy{}, &models.Reservation{})
	return db
}

type recordingNotifier struct {
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event) {
	n.events = append(n.events, event)
}

func newTestEngine() (*gorm.DB, *ReassignmentService, *recordingNotifier) {
	db := setupTestDB()
	notifier := &recordingNotifier{}
	return db, NewReassignmentService(db, notifier), notifier
}

func makeCopy(db *gorm.DB, titleUid, status string) models.Copy {
	bookCopy := models.Copy{
		CopyUid:  uuid.New().String(),
		TitleUid: titleUid,
		Status:   status,
	}
	db.Create(&bookCopy)
	return bookCopy
}

func makeQueued(db *gorm.DB, titleUid, username string, queuedAt time.Time) models.Reservation {
	reservation := models.Reservation{
		ReservationUid: uuid.New().String(),
		TitleUid:       titleUid,
		Username:       username,
		Status:         models.ReservationQueued,
		QueuedAt:       queuedAt,
	}
	db.Create(&reservation)
	return reservation
}

func makeMatched(db *gorm.DB, titleUid, username string, copyID uint, deadline time.Time) models.Reservation {
	reservation := models.Reservation{
		ReservationUid: uuid.New().String(),
		TitleUid:       titleUid,
		Username:       username,
		Status:         models.ReservationMatched,
		CopyID:         &copyID,
		QueuedAt:       time.Now().Add(-time.Hour),
		HoldDeadline:   &deadline,
	}
	db.Create(&reservation)
	return reservation
}

func reloadReservation(db *gorm.DB, id uint) models.Reservation {
	var reservation models.Reservation
	db.First(&reservation, id)
	return reservation
}

func reloadCopy(db *gorm.DB, id uint) models.Copy {
	var bookCopy models.Copy
	db.First(&bookCopy, id)
	return bookCopy
}
