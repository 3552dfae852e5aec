package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResolveIdentifier picks the canonical key from whichever identifiers the
// caller supplied: the card UID wins when both are present.
func ResolveIdentifier(cardUID, schoolID string) (string, error) {
	if cardUID != "" {
		return cardUID, nil
	}
	if schoolID != "" {
		return schoolID, nil
	}
	return "", ErrNoIdentifier
}

// Directory is the student registry: registration plus lookups by either
// key, and the canonicalization every ledger/excursion access routes
// through.
type Directory struct {
	repo Repository
	now  func() time.Time
}

// NewDirectory creates a directory over the repository. clock may be nil
// for wall time.
func NewDirectory(repo Repository, clock func() time.Time) *Directory {
	if clock == nil {
		clock = time.Now
	}
	return &Directory{repo: repo, now: clock}
}

// Register adds a student. School ID and name are required; the card UID is
// optional for students who will check in by typed ID. Returns
// ErrDuplicateStudent if either key is already taken.
func (d *Directory) Register(ctx context.Context, cardUID, schoolID, name string) error {
	cardUID = strings.TrimSpace(cardUID)
	schoolID = strings.TrimSpace(schoolID)
	name = strings.TrimSpace(name)
	if schoolID == "" {
		return fmt.Errorf("%w: school_id is required", ErrNoIdentifier)
	}
	if name == "" {
		return fmt.Errorf("%w for %s", ErrMissingName, schoolID)
	}
	return d.insert(ctx, cardUID, schoolID, name)
}

// RegisterPartial is the settings-overlay path: every field is optional, so
// students with empty keys can be created. That conflicts with the
// uniqueness the rest of the system assumes; it is kept deliberately as the
// original behaved this way, and flagged rather than fixed.
func (d *Directory) RegisterPartial(ctx context.Context, cardUID, schoolID, name string) error {
	return d.insert(ctx, strings.TrimSpace(cardUID), strings.TrimSpace(schoolID), strings.TrimSpace(name))
}

func (d *Directory) insert(ctx context.Context, cardUID, schoolID, name string) error {
	return d.repo.InsertStudent(ctx, Student{
		CardUID:   cardUID,
		SchoolID:  schoolID,
		Name:      name,
		CreatedAt: d.now(),
	})
}

// LookupByCard returns the student holding the card, or ErrStudentNotFound.
func (d *Directory) LookupByCard(ctx context.Context, cardUID string) (*Student, error) {
	s, err := d.repo.StudentByCard(ctx, cardUID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrStudentNotFound
	}
	return s, nil
}

// LookupBySchoolID returns the student with the school ID, or
// ErrStudentNotFound.
func (d *Directory) LookupBySchoolID(ctx context.Context, schoolID string) (*Student, error) {
	s, err := d.repo.StudentBySchoolID(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrStudentNotFound
	}
	return s, nil
}

// Resolve normalizes caller-supplied identifiers to the student's canonical
// one. A school ID is translated to the stored card UID when the student has
// one; a break started by card stays visible to a typed-ID lookup only
// because of this step. Returns the student alongside the identifier.
func (d *Directory) Resolve(ctx context.Context, cardUID, schoolID string) (string, *Student, error) {
	if _, err := ResolveIdentifier(cardUID, schoolID); err != nil {
		return "", nil, err
	}
	var s *Student
	var err error
	if cardUID != "" {
		s, err = d.repo.StudentByCard(ctx, cardUID)
	} else {
		s, err = d.repo.StudentBySchoolID(ctx, schoolID)
	}
	if err != nil {
		return "", nil, err
	}
	if s == nil {
		return "", nil, ErrStudentNotFound
	}
	return s.Identifier(), s, nil
}
