package usagestore

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReportMonthLayout formats a month key for the report table.
const ReportMonthLayout = "2006-01"

// UpsertReport stores one login's report entry for a month, replacing any
// previous entry. Team-level entries use the reserved login "_".
func (s *Store) UpsertReport(ctx context.Context, login, month string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO report (login, month, data) VALUES (?, ?, ?)",
		login, month, string(data))
	if err != nil {
		return fmt.Errorf("insert report %s/%s: %w", login, month, err)
	}
	return nil
}

// Report returns the stored report entries for a month, keyed by login.
// A month with no report yields an empty map.
func (s *Store) Report(ctx context.Context, month string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT login, data FROM report WHERE month = ?", month)
	if err != nil {
		return nil, fmt.Errorf("query report %s: %w", month, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make(map[string]json.RawMessage)
	for rows.Next() {
		var login, data string
		if err := rows.Scan(&login, &data); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		entries[login] = json.RawMessage(data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan report rows: %w", err)
	}
	return entries, nil
}

// ReportMonths lists months that have stored reports, ascending.
func (s *Store) ReportMonths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT month FROM report ORDER BY month")
	if err != nil {
		return nil, fmt.Errorf("query report months: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var months []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan report month: %w", err)
		}
		months = append(months, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan report months: %w", err)
	}
	return months, nil
}
