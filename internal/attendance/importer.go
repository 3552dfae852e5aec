package attendance

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Bulk import of students. CSV rows and JSON objects both carry three
// fields: id (the card UID), student_id, name. Row failures are collected
// per batch; a malformed file fails the whole batch with one error.

type importRow struct {
	CardUID  string `json:"id"`
	SchoolID string `json:"student_id"`
	Name     string `json:"name"`
}

func (d *Directory) importRows(ctx context.Context, rows []importRow) ImportResult {
	var res ImportResult
	for _, row := range rows {
		if row.CardUID == "" || row.SchoolID == "" || row.Name == "" {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf(
				"missing data in row: id=%q student_id=%q name=%q", row.CardUID, row.SchoolID, row.Name))
			continue
		}
		err := d.Register(ctx, row.CardUID, row.SchoolID, row.Name)
		switch {
		case err == nil:
			res.Success++
		case errors.Is(err, ErrDuplicateStudent):
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf(
				"duplicate card UID or school ID: %s, %s", row.CardUID, row.SchoolID))
		default:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf(
				"row %s/%s: %v", row.CardUID, row.SchoolID, err))
		}
	}
	return res
}

// ImportCSV registers students from CSV input with a header row containing
// at least the columns id, student_id and name, in any order.
func (d *Directory) ImportCSV(ctx context.Context, r io.Reader) (ImportResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return ImportResult{}, fmt.Errorf("read csv header: %w", err)
	}
	idx := map[string]int{}
	for i, col := range header {
		idx[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, required := range []string{"id", "student_id", "name"} {
		if _, ok := idx[required]; !ok {
			return ImportResult{}, fmt.Errorf("csv must contain 'id', 'student_id' and 'name' columns")
		}
	}

	var rows []importRow
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ImportResult{}, fmt.Errorf("read csv: %w", err)
		}
		pick := func(col string) string {
			if i := idx[col]; i < len(fields) {
				return strings.TrimSpace(fields[i])
			}
			return ""
		}
		rows = append(rows, importRow{
			CardUID:  pick("id"),
			SchoolID: pick("student_id"),
			Name:     pick("name"),
		})
	}
	return d.importRows(ctx, rows), nil
}

// ImportJSON registers students from a JSON array of objects with id,
// student_id and name fields.
func (d *Directory) ImportJSON(ctx context.Context, r io.Reader) (ImportResult, error) {
	var rows []importRow
	dec := json.NewDecoder(r)
	if err := dec.Decode(&rows); err != nil {
		return ImportResult{}, fmt.Errorf("json must contain an array of student objects: %w", err)
	}
	return d.importRows(ctx, rows), nil
}
