package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"biblioqueue/pkg/models"
	"biblioqueue/pkg/notify"
)

func newTestManager() (*gorm.DB, *ReservationManager, *recordingNotifier) {
	db, reassign, notifier := newTestEngine()
	return db, NewReservationManager(db, reassign, notifier), notifier
}

func activeCount(db *gorm.DB, titleUid, username string) int64 {
	var count int64
	db.Model(&models.Reservation{}).
		Where("title_uid = ? AND username = ? AND status IN ?", titleUid, username,
			[]string{models.ReservationQueued, models.ReservationMatched}).
		Count(&count)
	return count
}

func TestRequestQueuesWhenNoCopyFree(t *testing.T) {
	db, manager, notifier := newTestManager()
	makeCopy(db, "title-1", models.CopyOnLoan)

	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationQueued, reservation.Status)
	assert.Nil(t, reservation.CopyID)
	assert.Empty(t, notifier.events)
}

func TestRequestMatchesImmediatelyWhenCopyFree(t *testing.T) {
	db, manager, notifier := newTestManager()
	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)

	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationMatched, reservation.Status)
	require.NotNil(t, reservation.CopyID)
	assert.Equal(t, bookCopy.ID, *reservation.CopyID)
	require.NotNil(t, reservation.HoldDeadline)

	assert.Equal(t, models.CopyReserved, reloadCopy(db, bookCopy.ID).Status)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.CopyReassigned, notifier.events[0].Kind)
}

func TestRequestRejectsDuplicateActiveHold(t *testing.T) {
	db, manager, _ := newTestManager()

	_, err := manager.Request("title-1", "alice")
	require.NoError(t, err)

	_, err = manager.Request("title-1", "alice")
	assert.ErrorIs(t, err, ErrDuplicateReservation)
	assert.Equal(t, int64(1), activeCount(db, "title-1", "alice"))
}

func TestRequestAllowsNewHoldAfterTerminal(t *testing.T) {
	db, manager, _ := newTestManager()

	first, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.NoError(t, manager.Cancel(first.ReservationUid))

	_, err = manager.Request("title-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), activeCount(db, "title-1", "alice"))
}

func TestRequestDoesNotJumpQueue(t *testing.T) {
	db, manager, _ := newTestManager()

	// Drifted state: a copy sits available while alice is already
	// queued. A new request by bob frees the head of the queue, not
	// bob's own reservation.
	makeCopy(db, "title-1", models.CopyAvailable)
	older := makeQueued(db, "title-1", "alice", time.Now().Add(-time.Hour))

	reservation, err := manager.Request("title-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationQueued, reservation.Status)
	assert.Equal(t, models.ReservationMatched, reloadReservation(db, older.ID).Status)
}

func TestCancelQueuedReservation(t *testing.T) {
	db, manager, notifier := newTestManager()

	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)

	require.NoError(t, manager.Cancel(reservation.ReservationUid))

	cancelled := reloadReservation(db, reservation.ID)
	assert.Equal(t, models.ReservationCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ResolvedAt)
	assert.Contains(t, cancelled.Notes, "cancelled by user")
	assert.Empty(t, notifier.events)
}

func TestCancelMatchedHandsCopyToNextInQueue(t *testing.T) {
	db, manager, notifier := newTestManager()

	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)
	first, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.Equal(t, models.ReservationMatched, first.Status)

	second, err := manager.Request("title-1", "bob")
	require.NoError(t, err)
	require.Equal(t, models.ReservationQueued, second.Status)

	require.NoError(t, manager.Cancel(first.ReservationUid))

	assert.Equal(t, models.ReservationCancelled, reloadReservation(db, first.ID).Status)
	rematched := reloadReservation(db, second.ID)
	assert.Equal(t, models.ReservationMatched, rematched.Status)
	require.NotNil(t, rematched.CopyID)
	assert.Equal(t, bookCopy.ID, *rematched.CopyID)
	assert.Equal(t, models.CopyReserved, reloadCopy(db, bookCopy.ID).Status)

	// First match, then the handover after the cancel.
	require.Len(t, notifier.events, 2)
	assert.Equal(t, second.ReservationUid, notifier.events[1].ReservationUid)
}

func TestCancelTerminalReservationRejected(t *testing.T) {
	_, manager, _ := newTestManager()

	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.NoError(t, manager.Cancel(reservation.ReservationUid))

	err = manager.Cancel(reservation.ReservationUid)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestCancelUnknownReservation(t *testing.T) {
	_, manager, _ := newTestManager()

	err := manager.Cancel("no-such-uid")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestBorrowFulfillsMatchedHold(t *testing.T) {
	db, manager, _ := newTestManager()

	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)
	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.Equal(t, models.ReservationMatched, reservation.Status)

	require.NoError(t, manager.Borrow(reservation.ReservationUid))

	fulfilled := reloadReservation(db, reservation.ID)
	assert.Equal(t, models.ReservationFulfilled, fulfilled.Status)
	require.NotNil(t, fulfilled.ResolvedAt)
	assert.Equal(t, models.CopyOnLoan, reloadCopy(db, bookCopy.ID).Status)
}

func TestBorrowRequiresMatchedState(t *testing.T) {
	_, manager, _ := newTestManager()

	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.Equal(t, models.ReservationQueued, reservation.Status)

	err = manager.Borrow(reservation.ReservationUid)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestReturnReassignsToQueue(t *testing.T) {
	db, manager, _ := newTestManager()

	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)
	first, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.NoError(t, manager.Borrow(first.ReservationUid))

	waiting, err := manager.Request("title-1", "bob")
	require.NoError(t, err)
	require.Equal(t, models.ReservationQueued, waiting.Status)

	result, err := manager.Return(bookCopy.CopyUid)
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, waiting.ID, result.Reservation.ID)

	assert.Equal(t, models.ReservationMatched, reloadReservation(db, waiting.ID).Status)
	assert.Equal(t, models.CopyReserved, reloadCopy(db, bookCopy.ID).Status)
}

func TestReturnWithEmptyQueueLeavesCopyAvailable(t *testing.T) {
	db, manager, _ := newTestManager()

	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)
	reservation, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	require.NoError(t, manager.Borrow(reservation.ReservationUid))

	result, err := manager.Return(bookCopy.CopyUid)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, models.CopyAvailable, reloadCopy(db, bookCopy.ID).Status)
}

func TestReturnRejectsCopyNotOnLoan(t *testing.T) {
	db, manager, _ := newTestManager()
	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)

	_, err := manager.Return(bookCopy.CopyUid)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestReservedCopyAlwaysHasOneMatchedReservation(t *testing.T) {
	db, manager, _ := newTestManager()

	bookCopy := makeCopy(db, "title-1", models.CopyAvailable)
	_, err := manager.Request("title-1", "alice")
	require.NoError(t, err)
	_, err = manager.Request("title-1", "bob")
	require.NoError(t, err)

	var matched int64
	db.Model(&models.Reservation{}).
		Where("copy_id = ? AND status = ?", bookCopy.ID, models.ReservationMatched).
		Count(&matched)
	assert.Equal(t, int64(1), matched)
	assert.Equal(t, models.CopyReserved, reloadCopy(db, bookCopy.ID).Status)
}
