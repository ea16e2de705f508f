package database

import (
	"errors"

	"github.com/kinto-dx/dx/internal/errs"
)

// ScanRows reads all rows from the result set and returns them as a slice
// of maps keyed by column name.
//
// The returned slice is always non-nil (empty slice on zero rows).
// ScanRows always closes the Rows; callers do not need to call Close().
func ScanRows(rows Rows) ([]map[string]any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, wrapQuery("failed to read column names", err)
	}

	result := make([]map[string]any, 0)

	for rows.Next() {
		row, err := scanInto(rows.Scan, columns)
		if err != nil {
			return nil, wrapQuery("failed to scan row", err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapQuery("error during row iteration", err)
	}

	return result, nil
}

// ScanRow reads a single row and returns it as a map.
// A missing row keeps its ErrKindNotFound classification from the driver.
func ScanRow(row Row, columns []string) (map[string]any, error) {
	result, err := scanInto(row.Scan, columns)
	if err != nil {
		return nil, wrapQuery("failed to scan single row", err)
	}
	return result, nil
}

func scanInto(scan func(dest ...any) error, columns []string) (map[string]any, error) {
	// Allocate scan targets as *any so the driver can write any type.
	dest := make([]any, len(columns))
	destPtrs := make([]any, len(columns))
	for i := range dest {
		destPtrs[i] = &dest[i]
	}

	if err := scan(destPtrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col] = dest[i]
	}
	return row, nil
}

// wrapQuery keeps an existing classification and defaults to ErrKindQueryFailed.
func wrapQuery(msg string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return errs.Wrap(e.Kind, msg, err)
	}
	return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
}
