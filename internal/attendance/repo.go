package attendance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository persists students, the daily ledger, and excursion intervals.
// Implementations: SQLRepository (Postgres or SQLite) and MemRepository.
type Repository interface {
	InsertStudent(ctx context.Context, s Student) error
	StudentByCard(ctx context.Context, cardUID string) (*Student, error)
	StudentBySchoolID(ctx context.Context, schoolID string) (*Student, error)
	ListStudents(ctx context.Context) ([]Student, error)

	InsertRecord(ctx context.Context, rec Record) error
	RecordForDate(ctx context.Context, identifier, date string) (*Record, error)
	OpenRecord(ctx context.Context, identifier, date string) (*Record, error)
	CloseRecord(ctx context.Context, id string, at time.Time) error
	CloseDueRecords(ctx context.Context, date string, now time.Time) (int, error)
	AttendanceForDate(ctx context.Context, date string) ([]AttendanceRow, error)

	StartExcursion(ctx context.Context, identifier string, kind ExcursionKind, at time.Time) (*Excursion, error)
	EndExcursion(ctx context.Context, identifier string, kind ExcursionKind, at time.Time) (*Excursion, error)
	OpenExcursion(ctx context.Context, identifier string, kind ExcursionKind) (*Excursion, error)
	AnyOpenExcursion(ctx context.Context, kind ExcursionKind) (*Excursion, *Student, error)
	ExcursionsBetween(ctx context.Context, kind ExcursionKind, from, to time.Time) ([]ExcursionEntry, error)
}

func (k ExcursionKind) table() (name, startCol, endCol string) {
	if k == KindNurse {
		return "nurse_visits", "visit_start", "visit_end"
	}
	return "bathroom_breaks", "break_start", "break_end"
}

// SQLRepository runs against database/sql. The SQL sticks to the dialect
// overlap of Postgres (pgx) and SQLite (mattn): $N placeholders, no
// server-side time functions, portable DDL.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a repo over an open connection.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Migrate creates the four tables if they do not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS students (
			card_uid TEXT UNIQUE,
			school_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id TEXT PRIMARY KEY,
			student_identifier TEXT NOT NULL,
			date TEXT NOT NULL,
			check_in TIMESTAMP NOT NULL,
			check_out TIMESTAMP,
			scheduled_check_out TIMESTAMP,
			UNIQUE (student_identifier, date)
		)`,
		`CREATE TABLE IF NOT EXISTS bathroom_breaks (
			id TEXT PRIMARY KEY,
			student_identifier TEXT NOT NULL,
			break_start TIMESTAMP NOT NULL,
			break_end TIMESTAMP,
			duration_minutes INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS nurse_visits (
			id TEXT PRIMARY KEY,
			student_identifier TEXT NOT NULL,
			visit_start TIMESTAMP NOT NULL,
			visit_end TIMESTAMP,
			duration_minutes INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertStudent registers a student. The duplicate check and insert run in
// one transaction so concurrent registrations cannot both pass the check.
func (r *SQLRepository) InsertStudent(ctx context.Context, s Student) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM students WHERE school_id = $1 OR (card_uid IS NOT NULL AND card_uid = $2)`,
		s.SchoolID, s.CardUID).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrDuplicateStudent
	}

	var card any
	if s.CardUID != "" {
		card = s.CardUID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO students (card_uid, school_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		card, s.SchoolID, s.Name, s.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const studentCols = `card_uid, school_id, name, created_at`

func scanStudent(row interface{ Scan(...any) error }) (*Student, error) {
	var s Student
	var card sql.NullString
	if err := row.Scan(&card, &s.SchoolID, &s.Name, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.CardUID = card.String
	return &s, nil
}

func (r *SQLRepository) StudentByCard(ctx context.Context, cardUID string) (*Student, error) {
	return scanStudent(r.db.QueryRowContext(ctx,
		`SELECT `+studentCols+` FROM students WHERE card_uid = $1`, cardUID))
}

func (r *SQLRepository) StudentBySchoolID(ctx context.Context, schoolID string) (*Student, error) {
	return scanStudent(r.db.QueryRowContext(ctx,
		`SELECT `+studentCols+` FROM students WHERE school_id = $1`, schoolID))
}

func (r *SQLRepository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+studentCols+` FROM students ORDER BY name, school_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SQLRepository) InsertRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, student_identifier, date, check_in, check_out, scheduled_check_out)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.StudentID, rec.Date, rec.CheckIn, nullTime(rec.CheckOut), nullTime(rec.ScheduledCheckOut))
	if err != nil && isUniqueViolation(err) {
		// A concurrent check-in won the race between the service's
		// existence check and this insert; the UNIQUE(student_identifier,
		// date) constraint is the backstop.
		return ErrAlreadyCheckedIn
	}
	return err
}

// isUniqueViolation matches the duplicate-key error text of both drivers:
// Postgres reports "duplicate key value violates unique constraint",
// SQLite "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

const recordCols = `id, student_identifier, date, check_in, check_out, scheduled_check_out`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var out, sched sql.NullTime
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.Date, &rec.CheckIn, &out, &sched); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.CheckOut = timePtr(out)
	rec.ScheduledCheckOut = timePtr(sched)
	return &rec, nil
}

func (r *SQLRepository) RecordForDate(ctx context.Context, identifier, date string) (*Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM attendance WHERE student_identifier = $1 AND date = $2`,
		identifier, date))
}

func (r *SQLRepository) OpenRecord(ctx context.Context, identifier, date string) (*Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM attendance WHERE student_identifier = $1 AND date = $2 AND check_out IS NULL`,
		identifier, date))
}

func (r *SQLRepository) CloseRecord(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attendance SET check_out = $1 WHERE id = $2 AND check_out IS NULL`, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotCheckedIn
	}
	return nil
}

// CloseDueRecords is the auto-checkout sweep: one idempotent UPDATE closing
// every record of the date whose scheduled checkout has passed.
func (r *SQLRepository) CloseDueRecords(ctx context.Context, date string, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance SET check_out = $1
		WHERE date = $2 AND check_out IS NULL
		  AND scheduled_check_out IS NOT NULL AND scheduled_check_out <= $3
	`, now, date, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AttendanceForDate lists every registered student with their check-in and
// check-out for the date; students who never checked in appear with nils.
func (r *SQLRepository) AttendanceForDate(ctx context.Context, date string) ([]AttendanceRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.school_id, s.name, a.check_in, a.check_out
		FROM students s
		LEFT JOIN attendance a
		  ON (a.student_identifier = s.card_uid OR a.student_identifier = s.school_id)
		 AND a.date = $1
		ORDER BY s.name, s.school_id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttendanceRow
	for rows.Next() {
		var row AttendanceRow
		var in, outT sql.NullTime
		if err := rows.Scan(&row.SchoolID, &row.Name, &in, &outT); err != nil {
			return nil, err
		}
		row.CheckIn = timePtr(in)
		row.CheckOut = timePtr(outT)
		out = append(out, row)
	}
	return out, rows.Err()
}

// StartExcursion opens an interval. The no-open-interval checks and the
// insert run in one transaction so two starts cannot interleave.
func (r *SQLRepository) StartExcursion(ctx context.Context, identifier string, kind ExcursionKind, at time.Time) (*Excursion, error) {
	table, startCol, endCol := kind.table()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE student_identifier = $1 AND %s IS NULL`, table, endCol),
		identifier).Scan(&n)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrExcursionOpen
	}

	if kind == KindBathroom {
		// Single-occupancy rule: nobody else may hold an open break.
		var name string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT s.name FROM %s b
			JOIN students s ON (b.student_identifier = s.card_uid OR b.student_identifier = s.school_id)
			WHERE b.%s IS NULL
		`, table, endCol)).Scan(&name)
		switch {
		case err == nil:
			return nil, &OccupiedError{Name: name}
		case err != sql.ErrNoRows:
			return nil, err
		}
	}

	exc := &Excursion{
		ID:        uuid.NewString(),
		StudentID: identifier,
		Kind:      kind,
		Start:     at,
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, student_identifier, %s) VALUES ($1, $2, $3)`, table, startCol),
		exc.ID, exc.StudentID, exc.Start)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return exc, nil
}

// EndExcursion closes the student's open interval, computing the duration.
// Lookup and close run in one transaction and roll back together on failure.
func (r *SQLRepository) EndExcursion(ctx context.Context, identifier string, kind ExcursionKind, at time.Time) (*Excursion, error) {
	table, startCol, endCol := kind.table()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	exc := &Excursion{StudentID: identifier, Kind: kind}
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, %s FROM %s WHERE student_identifier = $1 AND %s IS NULL`, startCol, table, endCol),
		identifier).Scan(&exc.ID, &exc.Start)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrExcursionNotOpen
		}
		return nil, err
	}

	dur := durationMinutes(exc.Start, at)
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = $1, duration_minutes = $2 WHERE id = $3`, table, endCol),
		at, dur, exc.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	exc.End = &at
	exc.DurationMinutes = &dur
	return exc, nil
}

func (r *SQLRepository) OpenExcursion(ctx context.Context, identifier string, kind ExcursionKind) (*Excursion, error) {
	table, startCol, endCol := kind.table()
	exc := &Excursion{StudentID: identifier, Kind: kind}
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, %s FROM %s WHERE student_identifier = $1 AND %s IS NULL`, startCol, table, endCol),
		identifier).Scan(&exc.ID, &exc.Start)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return exc, nil
}

// AnyOpenExcursion returns an open interval of the kind regardless of
// student, with the holder's directory entry. Drives the occupancy light.
func (r *SQLRepository) AnyOpenExcursion(ctx context.Context, kind ExcursionKind) (*Excursion, *Student, error) {
	table, startCol, endCol := kind.table()
	exc := &Excursion{Kind: kind}
	var s Student
	var card sql.NullString
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT e.id, e.student_identifier, e.%s, s.card_uid, s.school_id, s.name, s.created_at
		FROM %s e
		JOIN students s ON (e.student_identifier = s.card_uid OR e.student_identifier = s.school_id)
		WHERE e.%s IS NULL
	`, startCol, table, endCol)).Scan(&exc.ID, &exc.StudentID, &exc.Start, &card, &s.SchoolID, &s.Name, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	s.CardUID = card.String
	return exc, &s, nil
}

// ExcursionsBetween lists intervals starting within [from, to), joined with
// the student's name, most recent start first.
func (r *SQLRepository) ExcursionsBetween(ctx context.Context, kind ExcursionKind, from, to time.Time) ([]ExcursionEntry, error) {
	table, startCol, endCol := kind.table()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.school_id, s.name, e.%s, e.%s, e.duration_minutes
		FROM %s e
		JOIN students s ON (e.student_identifier = s.card_uid OR e.student_identifier = s.school_id)
		WHERE e.%s >= $1 AND e.%s < $2
		ORDER BY e.%s DESC
	`, startCol, endCol, table, startCol, startCol, startCol), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExcursionEntry
	for rows.Next() {
		var e ExcursionEntry
		var end sql.NullTime
		var dur sql.NullInt64
		if err := rows.Scan(&e.SchoolID, &e.Name, &e.Start, &end, &dur); err != nil {
			return nil, err
		}
		e.End = timePtr(end)
		if dur.Valid {
			d := int(dur.Int64)
			e.DurationMinutes = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
