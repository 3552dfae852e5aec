package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/schedule"
)

// Service is the attendance state engine. Every entry point resolves the
// caller's card UID / school ID to the canonical identifier through the
// directory before touching the ledger or trackers, then delegates; all
// state checks happen inside repository transactions.
type Service struct {
	repo  Repository
	dir   *Directory
	table *schedule.Table
	now   func() time.Time
}

// NewService creates the engine. clock may be nil for wall time; tests
// inject a fixed clock so sweeps and durations are reproducible.
func NewService(repo Repository, dir *Directory, table *schedule.Table, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	if table == nil {
		table = schedule.NewTable(nil)
	}
	return &Service{repo: repo, dir: dir, table: table, now: clock}
}

// Directory exposes the underlying student directory.
func (s *Service) Directory() *Directory { return s.dir }

func (s *Service) today() string {
	return s.now().Format(DateLayout)
}

// Identify resolves a scanned card or typed school ID to a student.
func (s *Service) Identify(ctx context.Context, cardUID, schoolID string) (*Student, error) {
	_, student, err := s.dir.Resolve(ctx, cardUID, schoolID)
	return student, err
}

// CheckIn opens today's attendance record for the student. The scheduled
// checkout is the end of the period containing the check-in moment; a
// check-in outside all periods gets no scheduled checkout.
func (s *Service) CheckIn(ctx context.Context, cardUID, schoolID string) (*Record, error) {
	ident, _, err := s.dir.Resolve(ctx, cardUID, schoolID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	date := now.Format(DateLayout)

	existing, err := s.repo.RecordForDate(ctx, ident, date)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyCheckedIn
	}

	rec := Record{
		ID:        uuid.NewString(),
		StudentID: ident,
		Date:      date,
		CheckIn:   now,
	}
	if _, end, ok := s.table.PeriodContaining(now); ok {
		rec.ScheduledCheckOut = &end
	}
	if err := s.repo.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CheckOut closes today's open record.
func (s *Service) CheckOut(ctx context.Context, cardUID, schoolID string) (*Record, error) {
	ident, _, err := s.dir.Resolve(ctx, cardUID, schoolID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rec, err := s.repo.OpenRecord(ctx, ident, now.Format(DateLayout))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotCheckedIn
	}
	if err := s.repo.CloseRecord(ctx, rec.ID, now); err != nil {
		return nil, err
	}
	rec.CheckOut = &now
	return rec, nil
}

// IsCheckedIn reports whether the identifier has an open record today.
func (s *Service) IsCheckedIn(ctx context.Context, identifier string) (bool, error) {
	rec, err := s.repo.OpenRecord(ctx, identifier, s.today())
	return rec != nil, err
}

// BathroomAction says which way a toggle went.
type BathroomAction string

const (
	BathroomStarted BathroomAction = "started"
	BathroomEnded   BathroomAction = "ended"
)

// BathroomToggle is the sole bathroom entry point: one action that ends the
// student's open break if there is one, and otherwise starts one. Starting
// requires being checked in and respects the room-wide single-occupancy
// rule.
func (s *Service) BathroomToggle(ctx context.Context, cardUID, schoolID string) (BathroomAction, *Excursion, error) {
	ident, _, err := s.dir.Resolve(ctx, cardUID, schoolID)
	if err != nil {
		return "", nil, err
	}
	open, err := s.repo.OpenExcursion(ctx, ident, KindBathroom)
	if err != nil {
		return "", nil, err
	}
	if open != nil {
		exc, err := s.repo.EndExcursion(ctx, ident, KindBathroom, s.now())
		if err != nil {
			return "", nil, err
		}
		return BathroomEnded, exc, nil
	}

	checkedIn, err := s.IsCheckedIn(ctx, ident)
	if err != nil {
		return "", nil, err
	}
	if !checkedIn {
		return "", nil, ErrNotCheckedIn
	}
	exc, err := s.repo.StartExcursion(ctx, ident, KindBathroom, s.now())
	if err != nil {
		return "", nil, err
	}
	return BathroomStarted, exc, nil
}

// NurseStart opens a nurse visit. Unlike the bathroom there is no toggle
// and no occupancy limit; the UI calls start and end explicitly.
func (s *Service) NurseStart(ctx context.Context, cardUID, schoolID string) (*Excursion, error) {
	ident, _, err := s.dir.Resolve(ctx, cardUID, schoolID)
	if err != nil {
		return nil, err
	}
	checkedIn, err := s.IsCheckedIn(ctx, ident)
	if err != nil {
		return nil, err
	}
	if !checkedIn {
		return nil, ErrNotCheckedIn
	}
	return s.repo.StartExcursion(ctx, ident, KindNurse, s.now())
}

// NurseEnd closes the student's open nurse visit.
func (s *Service) NurseEnd(ctx context.Context, cardUID, schoolID string) (*Excursion, error) {
	ident, _, err := s.dir.Resolve(ctx, cardUID, schoolID)
	if err != nil {
		return nil, err
	}
	return s.repo.EndExcursion(ctx, ident, KindNurse, s.now())
}

// BathroomOccupant returns the student holding the open bathroom break, or
// nil when the bathroom is free.
func (s *Service) BathroomOccupant(ctx context.Context) (*Student, error) {
	_, student, err := s.repo.AnyOpenExcursion(ctx, KindBathroom)
	return student, err
}

// TodayAttendance lists every registered student with today's check-in and
// check-out times.
func (s *Service) TodayAttendance(ctx context.Context) ([]AttendanceRow, error) {
	return s.repo.AttendanceForDate(ctx, s.today())
}

// TodayExcursions lists today's intervals of the kind, most recent first.
func (s *Service) TodayExcursions(ctx context.Context, kind ExcursionKind) ([]ExcursionEntry, error) {
	now := s.now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.repo.ExcursionsBetween(ctx, kind, from, from.AddDate(0, 0, 1))
}

// Sweep closes every record of today whose scheduled checkout has passed.
// It is idempotent: a second run at the same instant closes nothing.
// Callers run it once at startup and then on a fixed cadence.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	return s.repo.CloseDueRecords(ctx, now.Format(DateLayout), now)
}
