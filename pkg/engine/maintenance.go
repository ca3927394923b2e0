package engine

import (
	"log"
	"time"

	"gorm.io/gorm"

	"biblioqueue/pkg/database"
	"biblioqueue/pkg/models"
	"biblioqueue/pkg/notify"
)

const DefaultRetention = 30 * 24 * time.Hour

// MaintenanceJob is the periodic self-healing pass: it runs the expiry
// sweep, re-runs assignment for titles whose availability drifted, and
// purges terminal reservations past the retention window.
type MaintenanceJob struct {
	db       *gorm.DB
	sweeper  *ExpirySweeper
	reassign *ReassignmentService
	notifier notify.Notifier

	// Retention is how long terminal reservations stay in the ledger
	// before the purge step deletes them.
	Retention time.Duration
}

func NewMaintenanceJob(db *gorm.DB, sweeper *ExpirySweeper, reassign *ReassignmentService, notifier notify.Notifier) *MaintenanceJob {
	return &MaintenanceJob{
		db:        db,
		sweeper:   sweeper,
		reassign:  reassign,
		notifier:  notifier,
		Retention: DefaultRetention,
	}
}

type MaintenanceReport struct {
	Sweep        SweepReport
	Repaired     int
	TitlesFailed int
	Purged       int
}

// Run executes the three maintenance steps. A failure while repairing
// one title is logged and does not abort the others; only errors that
// mean the database itself cannot be read are returned.
func (j *MaintenanceJob) Run() (MaintenanceReport, error) {
	var report MaintenanceReport

	sweepReport, err := j.sweeper.Sweep()
	if err != nil {
		return report, err
	}
	report.Sweep = sweepReport

	titles, err := j.titlesWithQueue()
	if err != nil {
		return report, err
	}
	for _, titleUid := range titles {
		events, err := j.repairTitle(titleUid)
		if err != nil {
			report.TitlesFailed++
			log.Printf("Failed to repair title %s: %v", titleUid, err)
			continue
		}
		report.Repaired += len(events)
		for _, event := range events {
			j.notifier.Notify(event)
		}
	}

	purged, err := j.purgeResolved()
	if err != nil {
		return report, err
	}
	report.Purged = purged

	return report, nil
}

func (j *MaintenanceJob) titlesWithQueue() ([]string, error) {
	var titles []string
	err := j.db.Model(&models.Reservation{}).
		Where("status = ?", models.ReservationQueued).
		Distinct().
		Order("title_uid ASC").
		Pluck("title_uid", &titles).Error
	if err != nil {
		return nil, err
	}
	return titles, nil
}

// repairTitle re-runs assignment for every available copy of a title
// that still has a queue, in one per-title transaction with the copies
// locked. This fixes drift from copies freed outside the engine without
// a reassignment trigger.
func (j *MaintenanceJob) repairTitle(titleUid string) ([]notify.Event, error) {
	var events []notify.Event
	err := j.db.Transaction(func(tx *gorm.DB) error {
		var copies []models.Copy
		err := database.LockForUpdate(tx).
			Where("title_uid = ? AND status = ?", titleUid, models.CopyAvailable).
			Order("id ASC").
			Find(&copies).Error
		if err != nil {
			return err
		}
		for _, bookCopy := range copies {
			result, err := j.reassign.ReassignInTx(tx, bookCopy.ID)
			if err != nil {
				return err
			}
			if !result.Matched {
				// Queue drained; remaining copies stay available.
				break
			}
			events = append(events, reassignedEvent(result))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// purgeResolved deletes terminal reservations older than the retention
// window. Rows in terminal states can no longer participate in
// matching, so this runs safely alongside the other steps.
func (j *MaintenanceJob) purgeResolved() (int, error) {
	cutoff := time.Now().Add(-j.Retention)
	res := j.db.Where("status IN ? AND resolved_at < ?",
		[]string{models.ReservationExpired, models.ReservationFulfilled, models.ReservationCancelled},
		cutoff).
		Delete(&models.Reservation{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
