package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

const fileSelect = `
	SELECT id, download_id, filename, state, url, percent, received_bytes, total_bytes,
		created_at, time_start, time_end, errors, duplicate_count, cancel_id, restart_id, delete_id
	FROM files`

func scanFile(row rowScanner) (*File, error) {
	var f File
	var state string
	var createdAt int64
	var timeStart, timeEnd sql.NullInt64
	var errorsRaw, cancelID, restartID, deleteID sql.NullString
	if err := row.Scan(
		&f.ID, &f.DownloadID, &f.Filename, &state, &f.URL, &f.Percent, &f.ReceivedBytes, &f.TotalBytes,
		&createdAt, &timeStart, &timeEnd, &errorsRaw, &f.DuplicateCount, &cancelID, &restartID, &deleteID,
	); err != nil {
		return nil, err
	}
	f.State = FileState(state)
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.TimeStart = milliToTime(timeStart)
	f.TimeEnd = milliToTime(timeEnd)
	f.Errors = decodeErrors(errorsRaw)
	f.CancelID = cancelID.String
	f.RestartID = restartID.String
	f.DeleteID = deleteID.String
	return &f, nil
}

// FilenameFromURL validates a link and derives the destination file
// name from the last path segment. Anything but https is rejected with
// ErrInvalidLink unless allowInsecure admits plain http.
func FilenameFromURL(raw string, allowInsecure bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", newError(CodeInvalidLink, "malformed link "+raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !allowInsecure {
			return "", newError(CodeInvalidLink, "insecure link "+raw, nil)
		}
	default:
		return "", newError(CodeInvalidLink, "unsupported scheme "+u.Scheme, nil)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", newError(CodeInvalidLink, "link has no file name "+raw, nil)
	}
	return name, nil
}

// AddLinksByDownloadID stores a batch of discovered links. Links sharing
// a file name collapse into one row whose duplicate_count is bumped by an
// upsert; rejected links only increase the download's invalid_links.
func (s *SQLiteStore) AddLinksByDownloadID(ctx context.Context, downloadID string, urls []string, allowInsecure bool) (*AddLinksResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &AddLinksResult{}
	now := time.Now().UTC().UnixMilli()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM downloads WHERE id = ?", downloadID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return newError(CodeNotFound, "download "+downloadID+" not found", nil)
			}
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO files (download_id, filename, state, url, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(download_id, filename) DO UPDATE SET duplicate_count = duplicate_count + 1
			RETURNING id, duplicate_count`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, raw := range urls {
			filename, err := FilenameFromURL(raw, allowInsecure)
			if err != nil {
				result.Invalid++
				continue
			}
			var id int64
			var duplicates int
			if err := stmt.QueryRowContext(ctx, downloadID, filename, string(FilePending), strings.TrimSpace(raw), now).Scan(&id, &duplicates); err != nil {
				return fmt.Errorf("failed to insert link %s: %w", filename, err)
			}
			if duplicates > 0 {
				result.Duplicates++
				continue
			}
			result.Added++
			result.FileIDs = append(result.FileIDs, id)
		}

		if result.Invalid > 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE downloads SET invalid_links = invalid_links + ? WHERE id = ?", result.Invalid, downloadID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetFileByID retrieves a file by its surrogate id
func (s *SQLiteStore) GetFileByID(ctx context.Context, id int64) (*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	f, err := scanFile(s.db.QueryRowContext(ctx, fileSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, newError(CodeNotFound, fmt.Sprintf("file %d not found", id), nil)
	}
	if err != nil {
		return nil, s.wrap("failed to get file", err)
	}
	return f, nil
}

// GetFileByName retrieves a file by its (download, filename) key
func (s *SQLiteStore) GetFileByName(ctx context.Context, downloadID, filename string) (*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	f, err := scanFile(s.db.QueryRowContext(ctx, fileSelect+" WHERE download_id = ? AND filename = ?", downloadID, filename))
	if err == sql.ErrNoRows {
		return nil, newError(CodeNotFound, "file "+filename+" not found", nil)
	}
	if err != nil {
		return nil, s.wrap("failed to get file", err)
	}
	return f, nil
}

// GetFilesByDownloadID returns every file of a download in creation order
func (s *SQLiteStore) GetFilesByDownloadID(ctx context.Context, downloadID string) ([]*File, error) {
	return s.ListFiles(ctx, FileFilter{DownloadID: downloadID})
}

// GetNotCompletedFilesByDownloadID returns files whose state is not COMPLETED
func (s *SQLiteStore) GetNotCompletedFilesByDownloadID(ctx context.Context, downloadID string) ([]*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fileSelect+" WHERE download_id = ? AND state != ? ORDER BY created_at, id",
		downloadID, string(FileCompleted))
	if err != nil {
		return nil, s.wrap("failed to list files", err)
	}
	return s.collectFiles(rows)
}

func fileWhere(filter FileFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.DownloadID != "" {
		conds = append(conds, "download_id = ?")
		args = append(args, filter.DownloadID)
	}
	if filter.Filename != "" {
		conds = append(conds, "filename = ?")
		args = append(args, filter.Filename)
	}
	if len(filter.States) > 0 {
		conds = append(conds, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListFiles lists files in creation order
func (s *SQLiteStore) ListFiles(ctx context.Context, filter FileFilter) ([]*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	where, args := fileWhere(filter)
	query := fileSelect + where + " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("failed to list files", err)
	}
	return s.collectFiles(rows)
}

func (s *SQLiteStore) collectFiles(rows *sql.Rows) ([]*File, error) {
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, s.wrap("failed to list files", rows.Err())
}

// CountFiles counts files matching filter, ignoring Limit/Offset
func (s *SQLiteStore) CountFiles(ctx context.Context, filter FileFilter) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args := fileWhere(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files"+where, args...).Scan(&count); err != nil {
		return 0, s.wrap("failed to count files", err)
	}
	return count, nil
}

// NextPendingFiles returns up to limit pending files eligible for
// admission: oldest download first, then oldest file. Downloads that are
// paused, waiting for input or finished are skipped.
func (s *SQLiteStore) NextPendingFiles(ctx context.Context, limit int) ([]*File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.download_id, f.filename, f.state, f.url, f.percent, f.received_bytes, f.total_bytes,
			f.created_at, f.time_start, f.time_end, f.errors, f.duplicate_count, f.cancel_id, f.restart_id, f.delete_id
		FROM files f
		JOIN downloads d ON d.id = f.download_id
		WHERE f.state = ? AND d.state IN (?, ?, ?)
		ORDER BY d.created_at, d.rowid, f.created_at, f.id
		LIMIT ?`,
		string(FilePending), string(DownloadPending), string(DownloadStarting), string(DownloadActive), limit)
	if err != nil {
		return nil, s.wrap("failed to query pending files", err)
	}
	return s.collectFiles(rows)
}

// UpdateFile applies a partial update to one file
func (s *SQLiteStore) UpdateFile(ctx context.Context, id int64, fields Fields) error {
	if err := s.check(); err != nil {
		return err
	}
	set, args, err := buildSet(fileColumns, fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE files SET "+set+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return s.wrap("failed to update file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(CodeNotFound, fmt.Sprintf("file %d not found", id), nil)
	}
	return nil
}

// UpdateFilesWhere applies one patch to every file matching filter
func (s *SQLiteStore) UpdateFilesWhere(ctx context.Context, filter FileFilter, fields Fields) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	set, args, err := buildSet(fileColumns, fields)
	if err != nil {
		return 0, err
	}
	where, whereArgs := fileWhere(filter)
	if where == "" {
		return 0, newError(CodeInvalidField, "refusing to update every file", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE files SET "+set+where, append(args, whereArgs...)...)
	if err != nil {
		return 0, s.wrap("failed to update files", err)
	}
	return res.RowsAffected()
}

// AppendFileError appends one entry to the file's errors list
func (s *SQLiteStore) AppendFileError(ctx context.Context, id int64, entry ErrorEntry) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendErrorTx(ctx, tx, "files", "id", id, entry)
	})
}

// DeleteFile removes one file and its pauses
func (s *SQLiteStore) DeleteFile(ctx context.Context, id int64) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pauses WHERE file_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
		return err
	})
}

// FileStatsByDownloadIDs aggregates file rows per download in SQL
func (s *SQLiteStore) FileStatsByDownloadIDs(ctx context.Context, ids []string) (map[string]*FileStats, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	stats := make(map[string]*FileStats, len(ids))
	if len(ids) == 0 {
		return stats, nil
	}

	args := []interface{}{
		string(FilePending), string(FileActive), string(FilePaused), string(FileCompleted),
		string(FileError), string(FileCancelled), string(FileWaitingForAuth), string(FileWaitingForEula),
		string(FileInterrupted),
	}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT download_id,
			COUNT(*),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state IN (?, ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
			COALESCE(SUM(received_bytes), 0),
			COALESCE(SUM(total_bytes), 0)
		FROM files
		WHERE download_id IN (`+placeholders(len(ids))+`)
		GROUP BY download_id`, args...)
	if err != nil {
		return nil, s.wrap("failed to aggregate files", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &FileStats{}
		if err := rows.Scan(&st.DownloadID, &st.Total, &st.Pending, &st.Active, &st.Paused, &st.Completed,
			&st.Errored, &st.Cancelled, &st.Waiting, &st.Interrupted, &st.ReceivedBytes, &st.TotalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan file stats: %w", err)
		}
		stats[st.DownloadID] = st
	}
	for _, id := range ids {
		if _, ok := stats[id]; !ok {
			stats[id] = &FileStats{DownloadID: id}
		}
	}
	return stats, s.wrap("failed to aggregate files", rows.Err())
}
