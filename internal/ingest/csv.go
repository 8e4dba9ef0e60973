// Package ingest maps exported billing sheets onto domain records.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/opensource-finance/billguard/internal/domain"
)

// ErrMissingColumn is returned when a sheet lacks a column every rule needs.
var ErrMissingColumn = errors.New("missing required column")

type field int

const (
	fieldWorkRequest field = iota
	fieldTotalPrice
	fieldQuantity
	fieldUnitCode
	fieldForeman
	fieldCustomer
	fieldJobNumber
	fieldPoleID
	fieldSnapshotDate
	fieldWeekReference
)

// aliases maps normalized header text to record fields. Normalizing drops
// case, spaces and punctuation, so "Work Request #" becomes "workrequest".
var aliases = map[string]field{
	"workrequestid":     fieldWorkRequest,
	"workrequest":       fieldWorkRequest,
	"workrequestnumber": fieldWorkRequest,
	"wr":                fieldWorkRequest,
	"wrnumber":          fieldWorkRequest,
	"totalprice":        fieldTotalPrice,
	"unitstotalprice":   fieldTotalPrice,
	"price":             fieldTotalPrice,
	"amount":            fieldTotalPrice,
	"quantity":          fieldQuantity,
	"qty":               fieldQuantity,
	"unitsqty":          fieldQuantity,
	"unitcode":          fieldUnitCode,
	"unit":              fieldUnitCode,
	"cu":                fieldUnitCode,
	"cucode":            fieldUnitCode,
	"foreman":           fieldForeman,
	"customer":          fieldCustomer,
	"customername":      fieldCustomer,
	"jobnumber":         fieldJobNumber,
	"jobno":             fieldJobNumber,
	"job":               fieldJobNumber,
	"poleid":            fieldPoleID,
	"pole":              fieldPoleID,
	"polenumber":        fieldPoleID,
	"snapshotdate":      fieldSnapshotDate,
	"workdate":          fieldSnapshotDate,
	"date":              fieldSnapshotDate,
	"weekreferencedate": fieldWeekReference,
	"weekending":        fieldWeekReference,
	"weekendingdate":    fieldWeekReference,
}

var required = map[field]string{
	fieldWorkRequest: "work_request_id",
	fieldTotalPrice:  "total_price",
}

// ReadFile reads a CSV sheet from disk.
func ReadFile(path string) ([]domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	records, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// ReadCSV reads a header row followed by one record per line. Cells are
// kept as raw text. Columns that match no record field are carried in
// Record.Extensions under their header text, and blank lines are skipped.
func ReadCSV(r io.Reader) ([]domain.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	mapping := make([]field, len(header))
	extra := make([]string, len(header))
	seen := make(map[field]bool)
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		f, ok := aliases[normalize(h)]
		if !ok || seen[f] {
			mapping[i] = -1
			extra[i] = h
			continue
		}
		mapping[i] = f
		seen[f] = true
	}
	for f, name := range required {
		if !seen[f] {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	var records []domain.Record
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		if blank(row) {
			continue
		}

		var rec domain.Record
		for i, cell := range row {
			if i >= len(mapping) {
				break
			}
			if mapping[i] < 0 {
				if extra[i] != "" && cell != "" {
					if rec.Extensions == nil {
						rec.Extensions = make(map[string]string)
					}
					rec.Extensions[extra[i]] = cell
				}
				continue
			}
			set(&rec, mapping[i], cell)
		}
		records = append(records, rec)
	}
	return records, nil
}

func set(rec *domain.Record, f field, v string) {
	switch f {
	case fieldWorkRequest:
		rec.WorkRequestID = v
	case fieldTotalPrice:
		rec.TotalPrice = v
	case fieldQuantity:
		rec.Quantity = v
	case fieldUnitCode:
		rec.UnitCode = v
	case fieldForeman:
		rec.Foreman = v
	case fieldCustomer:
		rec.Customer = v
	case fieldJobNumber:
		rec.JobNumber = v
	case fieldPoleID:
		rec.PoleID = v
	case fieldSnapshotDate:
		rec.SnapshotDate = v
	case fieldWeekReference:
		rec.WeekReferenceDate = v
	}
}

func normalize(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
