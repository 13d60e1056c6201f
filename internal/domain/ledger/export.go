package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// MaxExportRows bounds a single CSV export.
const MaxExportRows = 10000

// ExportEntries returns every entry matching filter, oldest first, capped at
// MaxExportRows. Page and Limit are ignored.
func (s *Store) ExportEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	query := s.db.WithContext(ctx).Model(&Entry{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Reason != nil {
		query = query.Where("reason = ?", *filter.Reason)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("created_at <= ?", *filter.Until)
	}

	var entries []Entry
	if err := query.Order("created_at ASC, id ASC").Limit(MaxExportRows).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("export entries: %w", err)
	}
	return entries, nil
}

// EntriesCSV renders entries as CSV with a header row.
func EntriesCSV(entries []Entry) ([]byte, error) {
	b := &bytes.Buffer{}
	w := csv.NewWriter(b)

	header := []string{
		"ID", "Time", "User ID", "Reason", "Delta",
		"Balance After", "External Reference", "Amount Minor", "Currency", "Note",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, e := range entries {
		ref := ""
		if e.ExternalReference != nil {
			ref = *e.ExternalReference
		}
		record := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(uint64(e.UserID), 10),
			string(e.Reason),
			strconv.FormatInt(e.Delta, 10),
			strconv.FormatInt(e.BalanceAfter, 10),
			ref,
			strconv.FormatInt(e.AmountMinor, 10),
			e.Currency,
			e.Note,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
