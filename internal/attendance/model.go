package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Student is a directory entry. CardUID is empty for students who have no
// card yet and check in by typing their school ID.
type Student struct {
	CardUID   string    `json:"card_uid,omitempty"`
	SchoolID  string    `json:"school_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Identifier is the canonical key for the student's ledger and excursion
// rows: the card UID when the student has one, otherwise the school ID.
func (s Student) Identifier() string {
	if s.CardUID != "" {
		return s.CardUID
	}
	return s.SchoolID
}

// Record is one student's attendance for one calendar date.
type Record struct {
	ID                string     `json:"id"`
	StudentID         string     `json:"student_id"` // canonical identifier
	Date              string     `json:"date"`       // YYYY-MM-DD, local
	CheckIn           time.Time  `json:"check_in"`
	CheckOut          *time.Time `json:"check_out,omitempty"`
	ScheduledCheckOut *time.Time `json:"scheduled_check_out,omitempty"`
}

// ExcursionKind distinguishes the two excursion trackers.
type ExcursionKind string

const (
	KindBathroom ExcursionKind = "bathroom"
	KindNurse    ExcursionKind = "nurse"
)

// Excursion is a single bathroom break or nurse visit. End and
// DurationMinutes are set together when the interval closes.
type Excursion struct {
	ID              string        `json:"id"`
	StudentID       string        `json:"student_id"` // canonical identifier
	Kind            ExcursionKind `json:"kind"`
	Start           time.Time     `json:"start"`
	End             *time.Time    `json:"end,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
}

// ExcursionEntry is a row of the today-excursions listing, joined with the
// student's name for display.
type ExcursionEntry struct {
	SchoolID        string        `json:"school_id"`
	Name            string        `json:"name"`
	Start           time.Time     `json:"start"`
	End             *time.Time    `json:"end,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
}

// AttendanceRow is a row of the today-attendance listing. Students who never
// checked in today still appear, with nil times.
type AttendanceRow struct {
	SchoolID string     `json:"school_id"`
	Name     string     `json:"name"`
	CheckIn  *time.Time `json:"check_in,omitempty"`
	CheckOut *time.Time `json:"check_out,omitempty"`
}

// ImportResult reports a bulk registration batch.
type ImportResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Business-rule failures. The HTTP layer maps these to 4xx responses with
// the error text as the user-facing message; anything else is a store fault.
var (
	ErrNoIdentifier     = errors.New("no student identifier provided")
	ErrMissingName      = errors.New("name is required")
	ErrStudentNotFound  = errors.New("student not found")
	ErrDuplicateStudent = errors.New("student with this card UID or school ID already exists")
	ErrAlreadyCheckedIn = errors.New("already checked in today")
	ErrNotCheckedIn     = errors.New("not checked in today")
	ErrExcursionOpen    = errors.New("student already has an open excursion")
	ErrExcursionNotOpen = errors.New("student has no open excursion")
)

// OccupiedError is the bathroom single-occupancy conflict, naming the
// student whose break is open.
type OccupiedError struct {
	Name string
}

func (e *OccupiedError) Error() string {
	return fmt.Sprintf("another student (%s) is already on a break", e.Name)
}

// DateLayout is the ledger's calendar-date key format.
const DateLayout = "2006-01-02"

// durationMinutes is whole minutes between start and end, truncated.
func durationMinutes(start, end time.Time) int {
	return int(end.Sub(start) / time.Minute)
}
