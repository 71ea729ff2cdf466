package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreatePause opens a pause interval. It reports false without error
// when an open pause already exists for the same (download, file) key.
func (s *SQLiteStore) CreatePause(ctx context.Context, p *Pause) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if p.TimeStart.IsZero() {
		p.TimeStart = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var fileID sql.NullInt64
	if p.FileID != nil {
		fileID = sql.NullInt64{Int64: *p.FileID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pauses (download_id, file_id, time_start, time_end, delete_id)
		VALUES (?, ?, ?, NULL, ?)`,
		p.DownloadID, fileID, p.TimeStart.UnixMilli(), nullString(p.DeleteID))
	if err != nil {
		return false, s.wrap("failed to create pause", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	p.ID, _ = res.LastInsertId()
	return true, nil
}

// EndPause closes the open pause for the key. A nil fileID addresses
// the download-level pause.
func (s *SQLiteStore) EndPause(ctx context.Context, downloadID string, fileID *int64, at time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "UPDATE pauses SET time_end = ? WHERE download_id = ? AND time_end IS NULL AND file_id IS NULL"
	args := []interface{}{at.UnixMilli(), downloadID}
	if fileID != nil {
		query = "UPDATE pauses SET time_end = ? WHERE download_id = ? AND time_end IS NULL AND file_id = ?"
		args = append(args, *fileID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrap("failed to end pause", err)
	}
	return res.RowsAffected()
}

// EndDownloadPauses closes every open pause of a download, file level included
func (s *SQLiteStore) EndDownloadPauses(ctx context.Context, downloadID string, at time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE pauses SET time_end = ? WHERE download_id = ? AND time_end IS NULL",
		at.UnixMilli(), downloadID)
	if err != nil {
		return 0, s.wrap("failed to end pauses", err)
	}
	return res.RowsAffected()
}

// GetPausesByDownloadID lists the pause rows of a download oldest first
func (s *SQLiteStore) GetPausesByDownloadID(ctx context.Context, downloadID string) ([]*Pause, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, download_id, file_id, time_start, time_end, delete_id
		FROM pauses WHERE download_id = ? ORDER BY time_start, id`, downloadID)
	if err != nil {
		return nil, s.wrap("failed to list pauses", err)
	}
	defer rows.Close()

	var pauses []*Pause
	for rows.Next() {
		var p Pause
		var fileID, timeEnd sql.NullInt64
		var timeStart int64
		var deleteID sql.NullString
		if err := rows.Scan(&p.ID, &p.DownloadID, &fileID, &timeStart, &timeEnd, &deleteID); err != nil {
			return nil, fmt.Errorf("failed to scan pause: %w", err)
		}
		if fileID.Valid {
			id := fileID.Int64
			p.FileID = &id
		}
		p.TimeStart = time.UnixMilli(timeStart).UTC()
		p.TimeEnd = milliToTime(timeEnd)
		p.DeleteID = deleteID.String
		pauses = append(pauses, &p)
	}
	return pauses, s.wrap("failed to list pauses", rows.Err())
}

// PausedDurations sums download-level pause intervals per download.
// Open intervals are counted up to now.
func (s *SQLiteStore) PausedDurations(ctx context.Context, ids []string, now time.Time) (map[string]time.Duration, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := []interface{}{now.UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT download_id, COALESCE(SUM(MAX(COALESCE(time_end, ?) - time_start, 0)), 0)
		FROM pauses
		WHERE file_id IS NULL AND download_id IN (`+placeholders(len(ids))+`)
		GROUP BY download_id`, args...)
	if err != nil {
		return nil, s.wrap("failed to sum pauses", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan pause sum: %w", err)
		}
		out[id] = time.Duration(ms) * time.Millisecond
	}
	return out, s.wrap("failed to sum pauses", rows.Err())
}
