package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/schedule"
)

// fakeClock pins the engine to a school day so periods, sweeps and
// durations are reproducible.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) set(hour, min, sec int) {
	c.t = time.Date(2026, 3, 9, hour, min, sec, 0, time.Local)
}

type fixture struct {
	repo  *MemRepository
	dir   *Directory
	svc   *Service
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{}
	clock.set(7, 0, 0)
	repo := NewMemRepository()
	dir := NewDirectory(repo, clock.Now)
	svc := NewService(repo, dir, schedule.NewTable(nil), clock.Now)
	return &fixture{repo: repo, dir: dir, svc: svc, clock: clock}
}

func (f *fixture) register(t *testing.T, cardUID, schoolID, name string) {
	t.Helper()
	require.NoError(t, f.dir.Register(context.Background(), cardUID, schoolID, name))
}

func TestCheckInSetsScheduledCheckout(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(7, 30, 0)
	rec, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)

	assert.Equal(t, "CARD1", rec.StudentID)
	assert.Equal(t, "2026-03-09", rec.Date)
	require.NotNil(t, rec.ScheduledCheckOut)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 8, 0, 0, time.Local), *rec.ScheduledCheckOut)
	assert.Nil(t, rec.CheckOut)
}

func TestCheckInOutsidePeriodsHasNoScheduledCheckout(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(6, 0, 0)
	rec, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)
	assert.Nil(t, rec.ScheduledCheckOut)
}

func TestDoubleCheckInFailsAcrossKeyForms(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)

	// The typed school ID resolves to the same canonical identifier.
	_, err = f.svc.CheckIn(context.Background(), "", "100001")
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)

	_, err = f.svc.CheckIn(context.Background(), "CARD1", "")
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)
}

func TestInterleavedCheckInsCannotDuplicateRecord(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	ctx := context.Background()
	f.clock.set(7, 30, 0)

	// Two concurrent check-ins (card scan consumer plus a typed-ID
	// handler) can both pass the service's existence check before either
	// inserts. The repository itself must then reject the loser.
	rec := Record{ID: "first", StudentID: "CARD1", Date: "2026-03-09", CheckIn: f.clock.Now()}
	require.NoError(t, f.repo.InsertRecord(ctx, rec))

	dup := rec
	dup.ID = "second"
	assert.ErrorIs(t, f.repo.InsertRecord(ctx, dup), ErrAlreadyCheckedIn)

	stored, err := f.repo.RecordForDate(ctx, "CARD1", "2026-03-09")
	require.NoError(t, err)
	assert.Equal(t, "first", stored.ID)

	// A different date for the same student is still fine.
	next := rec
	next.ID = "next-day"
	next.Date = "2026-03-10"
	require.NoError(t, f.repo.InsertRecord(ctx, next))
}

func TestCheckInUnknownStudent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckIn(context.Background(), "NOCARD", "")
	assert.ErrorIs(t, err, ErrStudentNotFound)

	_, err = f.svc.CheckIn(context.Background(), "", "999999")
	assert.ErrorIs(t, err, ErrStudentNotFound)
}

func TestManualCheckOut(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)

	f.clock.set(7, 45, 0)
	rec, err := f.svc.CheckOut(context.Background(), "", "100001")
	require.NoError(t, err)
	require.NotNil(t, rec.CheckOut)
	assert.Equal(t, f.clock.Now(), *rec.CheckOut)

	// Already closed.
	_, err = f.svc.CheckOut(context.Background(), "CARD1", "")
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestCheckOutWithoutCheckIn(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	_, err := f.svc.CheckOut(context.Background(), "CARD1", "")
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestSweepClosesDueRecordsIdempotently(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)

	// Period 1 ends 08:08; at 08:09 the sweep closes the record.
	f.clock.set(8, 9, 0)
	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.repo.RecordForDate(context.Background(), "CARD1", "2026-03-09")
	require.NoError(t, err)
	require.NotNil(t, rec.CheckOut)
	closedAt := *rec.CheckOut
	assert.Equal(t, time.Date(2026, 3, 9, 8, 9, 0, 0, time.Local), closedAt)

	// Same instant again: nothing to close, nothing reopened.
	n, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Later sweeps never touch the already-closed record.
	f.clock.set(9, 0, 0)
	n, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	rec, err = f.repo.RecordForDate(context.Background(), "CARD1", "2026-03-09")
	require.NoError(t, err)
	assert.Equal(t, closedAt, *rec.CheckOut)
}

func TestSweepSkipsRecordsWithoutSchedule(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(6, 0, 0) // before first period: no scheduled checkout
	_, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)

	f.clock.set(20, 0, 0)
	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepLeavesNotYetDueRecords(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(context.Background(), "CARD1", "")
	require.NoError(t, err)

	f.clock.set(8, 0, 0) // period 1 still running
	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBathroomSingleOccupancy(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	f.register(t, "", "100002", "Bob") // no card: school ID is his identifier

	ctx := context.Background()
	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(ctx, "CARD1", "")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, "", "100002")
	require.NoError(t, err)

	f.clock.set(7, 40, 0)
	action, _, err := f.svc.BathroomToggle(ctx, "CARD1", "")
	require.NoError(t, err)
	assert.Equal(t, BathroomStarted, action)

	f.clock.set(7, 41, 0)
	_, _, err = f.svc.BathroomToggle(ctx, "", "100002")
	var occ *OccupiedError
	require.ErrorAs(t, err, &occ)
	assert.Equal(t, "Alice", occ.Name)

	f.clock.set(7, 50, 0)
	action, exc, err := f.svc.BathroomToggle(ctx, "CARD1", "")
	require.NoError(t, err)
	assert.Equal(t, BathroomEnded, action)
	require.NotNil(t, exc.DurationMinutes)
	assert.Equal(t, 10, *exc.DurationMinutes)

	f.clock.set(7, 51, 0)
	action, _, err = f.svc.BathroomToggle(ctx, "", "100002")
	require.NoError(t, err)
	assert.Equal(t, BathroomStarted, action)
}

func TestBathroomToggleRequiresCheckIn(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	_, _, err := f.svc.BathroomToggle(context.Background(), "CARD1", "")
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestBathroomToggleResolvesAcrossKeyForms(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	ctx := context.Background()
	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(ctx, "CARD1", "")
	require.NoError(t, err)

	// Started by typed school ID, ended by card tap: both resolve to the
	// stored card UID, so the toggle sees the same open interval.
	f.clock.set(7, 40, 0)
	action, _, err := f.svc.BathroomToggle(ctx, "", "100001")
	require.NoError(t, err)
	assert.Equal(t, BathroomStarted, action)

	f.clock.set(7, 44, 30)
	action, exc, err := f.svc.BathroomToggle(ctx, "CARD1", "")
	require.NoError(t, err)
	assert.Equal(t, BathroomEnded, action)
	require.NotNil(t, exc.DurationMinutes)
	assert.Equal(t, 4, *exc.DurationMinutes) // floor(4m30s)
}

func TestBathroomOccupant(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	ctx := context.Background()
	occupant, err := f.svc.BathroomOccupant(ctx)
	require.NoError(t, err)
	assert.Nil(t, occupant)

	f.clock.set(7, 30, 0)
	_, err = f.svc.CheckIn(ctx, "CARD1", "")
	require.NoError(t, err)
	_, _, err = f.svc.BathroomToggle(ctx, "CARD1", "")
	require.NoError(t, err)

	occupant, err = f.svc.BathroomOccupant(ctx)
	require.NoError(t, err)
	require.NotNil(t, occupant)
	assert.Equal(t, "Alice", occupant.Name)
}

func TestNurseVisits(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	f.register(t, "", "100002", "Bob")

	ctx := context.Background()
	f.clock.set(8, 30, 0)
	_, err := f.svc.CheckIn(ctx, "CARD1", "")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, "", "100002")
	require.NoError(t, err)

	f.clock.set(9, 0, 0)
	_, err = f.svc.NurseStart(ctx, "CARD1", "")
	require.NoError(t, err)

	// No occupancy limit at the nurse: Bob can be there too.
	_, err = f.svc.NurseStart(ctx, "", "100002")
	require.NoError(t, err)

	// But one open visit per student.
	_, err = f.svc.NurseStart(ctx, "", "100001")
	assert.ErrorIs(t, err, ErrExcursionOpen)

	f.clock.set(9, 4, 30)
	exc, err := f.svc.NurseEnd(ctx, "CARD1", "")
	require.NoError(t, err)
	require.NotNil(t, exc.DurationMinutes)
	assert.Equal(t, 4, *exc.DurationMinutes)

	// Ending twice fails.
	_, err = f.svc.NurseEnd(ctx, "CARD1", "")
	assert.ErrorIs(t, err, ErrExcursionNotOpen)
}

func TestNurseStartRequiresCheckIn(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	_, err := f.svc.NurseStart(context.Background(), "CARD1", "")
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestTodayAttendanceIncludesAbsentStudents(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	f.register(t, "", "100002", "Bob")

	ctx := context.Background()
	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(ctx, "CARD1", "")
	require.NoError(t, err)

	rows, err := f.svc.TodayAttendance(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "Alice", rows[0].Name)
	require.NotNil(t, rows[0].CheckIn)
	assert.Equal(t, "Bob", rows[1].Name)
	assert.Nil(t, rows[1].CheckIn)
}

func TestTodayExcursionsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")
	f.register(t, "", "100002", "Bob")

	ctx := context.Background()
	f.clock.set(7, 30, 0)
	_, err := f.svc.CheckIn(ctx, "CARD1", "")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, "", "100002")
	require.NoError(t, err)

	f.clock.set(7, 40, 0)
	_, _, err = f.svc.BathroomToggle(ctx, "CARD1", "")
	require.NoError(t, err)
	f.clock.set(7, 45, 0)
	_, _, err = f.svc.BathroomToggle(ctx, "CARD1", "")
	require.NoError(t, err)

	f.clock.set(7, 50, 0)
	_, _, err = f.svc.BathroomToggle(ctx, "", "100002")
	require.NoError(t, err)

	entries, err := f.svc.TodayExcursions(ctx, KindBathroom)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Bob", entries[0].Name)
	assert.Nil(t, entries[0].End)
	assert.Equal(t, "Alice", entries[1].Name)
	require.NotNil(t, entries[1].DurationMinutes)
	assert.Equal(t, 5, *entries[1].DurationMinutes)
}

func TestIdentify(t *testing.T) {
	f := newFixture(t)
	f.register(t, "CARD1", "100001", "Alice")

	s, err := f.svc.Identify(context.Background(), "CARD1", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", s.Name)

	s, err = f.svc.Identify(context.Background(), "", "100001")
	require.NoError(t, err)
	assert.Equal(t, "CARD1", s.CardUID)

	_, err = f.svc.Identify(context.Background(), "UNKNOWN", "")
	assert.ErrorIs(t, err, ErrStudentNotFound)
}
