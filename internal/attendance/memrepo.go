package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepository is an in-memory Repository for tests and the "memory" store
// backend. The mutex makes each read-check-write sequence atomic, matching
// the transactional guarantees of the SQL implementation.
type MemRepository struct {
	mu         sync.Mutex
	students   []Student
	records    []*Record
	excursions []*Excursion
}

// NewMemRepository creates an empty store.
func NewMemRepository() *MemRepository {
	return &MemRepository{}
}

func (r *MemRepository) InsertStudent(_ context.Context, s Student) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.students {
		if existing.SchoolID == s.SchoolID {
			return ErrDuplicateStudent
		}
		if s.CardUID != "" && existing.CardUID == s.CardUID {
			return ErrDuplicateStudent
		}
	}
	r.students = append(r.students, s)
	return nil
}

func (r *MemRepository) findStudent(match func(Student) bool) *Student {
	for i := range r.students {
		if match(r.students[i]) {
			s := r.students[i]
			return &s
		}
	}
	return nil
}

func (r *MemRepository) StudentByCard(_ context.Context, cardUID string) (*Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findStudent(func(s Student) bool { return s.CardUID != "" && s.CardUID == cardUID }), nil
}

func (r *MemRepository) StudentBySchoolID(_ context.Context, schoolID string) (*Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findStudent(func(s Student) bool { return s.SchoolID == schoolID }), nil
}

func (r *MemRepository) ListStudents(_ context.Context) ([]Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Student, len(r.students))
	copy(out, r.students)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].SchoolID < out[j].SchoolID
	})
	return out, nil
}

func (r *MemRepository) InsertRecord(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// One record per (identifier, date), enforced under the lock so two
	// concurrent check-ins that both passed the service's existence check
	// cannot both land. Mirrors the SQL UNIQUE constraint.
	for _, existing := range r.records {
		if existing.StudentID == rec.StudentID && existing.Date == rec.Date {
			return ErrAlreadyCheckedIn
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.records = append(r.records, &rec)
	return nil
}

func (r *MemRepository) RecordForDate(_ context.Context, identifier, date string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.StudentID == identifier && rec.Date == date {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemRepository) OpenRecord(_ context.Context, identifier, date string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.StudentID == identifier && rec.Date == date && rec.CheckOut == nil {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemRepository) CloseRecord(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id && rec.CheckOut == nil {
			t := at
			rec.CheckOut = &t
			return nil
		}
	}
	return ErrNotCheckedIn
}

func (r *MemRepository) CloseDueRecords(_ context.Context, date string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := 0
	for _, rec := range r.records {
		if rec.Date == date && rec.CheckOut == nil &&
			rec.ScheduledCheckOut != nil && !rec.ScheduledCheckOut.After(now) {
			t := now
			rec.CheckOut = &t
			closed++
		}
	}
	return closed, nil
}

func (r *MemRepository) AttendanceForDate(_ context.Context, date string) ([]AttendanceRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AttendanceRow
	for _, s := range r.students {
		row := AttendanceRow{SchoolID: s.SchoolID, Name: s.Name}
		for _, rec := range r.records {
			if rec.Date == date && (rec.StudentID == s.CardUID && s.CardUID != "" || rec.StudentID == s.SchoolID) {
				in := rec.CheckIn
				row.CheckIn = &in
				row.CheckOut = copyTime(rec.CheckOut)
				break
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].SchoolID < out[j].SchoolID
	})
	return out, nil
}

func (r *MemRepository) StartExcursion(_ context.Context, identifier string, kind ExcursionKind, at time.Time) (*Excursion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.excursions {
		if e.Kind != kind || e.End != nil {
			continue
		}
		if e.StudentID == identifier {
			return nil, ErrExcursionOpen
		}
		if kind == KindBathroom {
			name := e.StudentID
			if s := r.findStudent(func(s Student) bool {
				return (s.CardUID != "" && s.CardUID == e.StudentID) || s.SchoolID == e.StudentID
			}); s != nil {
				name = s.Name
			}
			return nil, &OccupiedError{Name: name}
		}
	}
	exc := &Excursion{
		ID:        uuid.NewString(),
		StudentID: identifier,
		Kind:      kind,
		Start:     at,
	}
	r.excursions = append(r.excursions, exc)
	cp := *exc
	return &cp, nil
}

func (r *MemRepository) EndExcursion(_ context.Context, identifier string, kind ExcursionKind, at time.Time) (*Excursion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.excursions {
		if e.Kind == kind && e.StudentID == identifier && e.End == nil {
			t := at
			dur := durationMinutes(e.Start, at)
			e.End = &t
			e.DurationMinutes = &dur
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrExcursionNotOpen
}

func (r *MemRepository) OpenExcursion(_ context.Context, identifier string, kind ExcursionKind) (*Excursion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.excursions {
		if e.Kind == kind && e.StudentID == identifier && e.End == nil {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemRepository) AnyOpenExcursion(_ context.Context, kind ExcursionKind) (*Excursion, *Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.excursions {
		if e.Kind == kind && e.End == nil {
			cp := *e
			s := r.findStudent(func(s Student) bool {
				return (s.CardUID != "" && s.CardUID == e.StudentID) || s.SchoolID == e.StudentID
			})
			return &cp, s, nil
		}
	}
	return nil, nil, nil
}

func (r *MemRepository) ExcursionsBetween(_ context.Context, kind ExcursionKind, from, to time.Time) ([]ExcursionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ExcursionEntry
	for _, e := range r.excursions {
		if e.Kind != kind || e.Start.Before(from) || !e.Start.Before(to) {
			continue
		}
		entry := ExcursionEntry{
			Start:           e.Start,
			End:             copyTime(e.End),
			DurationMinutes: copyInt(e.DurationMinutes),
		}
		if s := r.findStudent(func(s Student) bool {
			return (s.CardUID != "" && s.CardUID == e.StudentID) || s.SchoolID == e.StudentID
		}); s != nil {
			entry.SchoolID = s.SchoolID
			entry.Name = s.Name
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
