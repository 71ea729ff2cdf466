package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const downloadSelect = `
	SELECT id, state, download_location, auth_url, eula_url, eula_redirect_url,
		get_links_url, get_links_token, loading_more_files, active, created_at,
		time_start, time_end, errors, invalid_links, client_id,
		cancel_id, pause_id, restart_id, delete_id, clear_id
	FROM downloads`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(row rowScanner) (*Download, error) {
	var d Download
	var state string
	var location, authURL, eulaURL, eulaRedirect sql.NullString
	var linksURL, linksToken, clientID, errorsRaw sql.NullString
	var cancelID, pauseID, restartID, deleteID, clearID sql.NullString
	var loadingMore, active int
	var createdAt int64
	var timeStart, timeEnd sql.NullInt64
	if err := row.Scan(
		&d.ID, &state, &location, &authURL, &eulaURL, &eulaRedirect,
		&linksURL, &linksToken, &loadingMore, &active, &createdAt,
		&timeStart, &timeEnd, &errorsRaw, &d.InvalidLinks, &clientID,
		&cancelID, &pauseID, &restartID, &deleteID, &clearID,
	); err != nil {
		return nil, err
	}

	d.State = DownloadState(state)
	d.DownloadLocation = location.String
	d.AuthURL = authURL.String
	d.EulaURL = eulaURL.String
	d.EulaRedirectURL = eulaRedirect.String
	d.GetLinksURL = linksURL.String
	d.GetLinksToken = linksToken.String
	d.LoadingMoreFiles = loadingMore != 0
	d.Active = active != 0
	d.CreatedAt = time.UnixMilli(createdAt).UTC()
	d.TimeStart = milliToTime(timeStart)
	d.TimeEnd = milliToTime(timeEnd)
	d.Errors = decodeErrors(errorsRaw)
	d.ClientID = clientID.String
	d.CancelID = cancelID.String
	d.PauseID = pauseID.String
	d.RestartID = restartID.String
	d.DeleteID = deleteID.String
	d.ClearID = clearID.String
	return &d, nil
}

// CreateDownload inserts a new download. An existing id returns ErrDuplicateID.
func (s *SQLiteStore) CreateDownload(ctx context.Context, d *Download) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.State == "" {
		d.State = DownloadPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	errorsValue, err := encodeErrors(d.Errors)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM downloads WHERE id = ?", d.ID).Scan(&exists)
		if err == nil {
			return ErrDuplicateID
		}
		if err != sql.ErrNoRows {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO downloads (id, state, download_location, auth_url, eula_url, eula_redirect_url,
				get_links_url, get_links_token, loading_more_files, active, created_at,
				time_start, time_end, errors, invalid_links, client_id,
				cancel_id, pause_id, restart_id, delete_id, clear_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, string(d.State), nullString(d.DownloadLocation), nullString(d.AuthURL),
			nullString(d.EulaURL), nullString(d.EulaRedirectURL), nullString(d.GetLinksURL),
			nullString(d.GetLinksToken), boolToInt(d.LoadingMoreFiles), boolToInt(d.Active),
			d.CreatedAt.UnixMilli(), timeToMilli(d.TimeStart), timeToMilli(d.TimeEnd),
			errorsValue, d.InvalidLinks, nullString(d.ClientID),
			nullString(d.CancelID), nullString(d.PauseID), nullString(d.RestartID),
			nullString(d.DeleteID), nullString(d.ClearID),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateID
		}
		return err
	})
}

// GetDownloadByID retrieves a download by id
func (s *SQLiteStore) GetDownloadByID(ctx context.Context, id string) (*Download, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	d, err := scanDownload(s.db.QueryRowContext(ctx, downloadSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, newError(CodeNotFound, "download "+id+" not found", nil)
	}
	if err != nil {
		return nil, s.wrap("failed to get download", err)
	}
	return d, nil
}

func downloadWhere(filter DownloadFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if len(filter.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(filter.States) > 0 {
		conds = append(conds, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.Active != nil {
		conds = append(conds, "active = ?")
		args = append(args, boolToInt(*filter.Active))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListDownloads lists downloads newest first unless OrderAsc is set
func (s *SQLiteStore) ListDownloads(ctx context.Context, filter DownloadFilter) ([]*Download, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	where, args := downloadWhere(filter)
	order := " ORDER BY created_at DESC, rowid DESC"
	if filter.OrderAsc {
		order = " ORDER BY created_at ASC, rowid ASC"
	}
	query := downloadSelect + where + order
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("failed to list downloads", err)
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		downloads = append(downloads, d)
	}
	return downloads, s.wrap("failed to list downloads", rows.Err())
}

// CountDownloads counts downloads matching filter, ignoring Limit/Offset
func (s *SQLiteStore) CountDownloads(ctx context.Context, filter DownloadFilter) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args := downloadWhere(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads"+where, args...).Scan(&count); err != nil {
		return 0, s.wrap("failed to count downloads", err)
	}
	return count, nil
}

// UpdateDownloadByID applies a partial update to one download
func (s *SQLiteStore) UpdateDownloadByID(ctx context.Context, id string, fields Fields) error {
	if err := s.check(); err != nil {
		return err
	}
	set, args, err := buildSet(downloadColumns, fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE downloads SET "+set+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return s.wrap("failed to update download", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(CodeNotFound, "download "+id+" not found", nil)
	}
	return nil
}

// UpdateDownloadsWhereIn applies one patch to every download whose
// where.Column is in where.Values
func (s *SQLiteStore) UpdateDownloadsWhereIn(ctx context.Context, where WhereIn, fields Fields) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if where.Column != "id" && !downloadColumns[where.Column] {
		return 0, newError(CodeInvalidField, "unknown column "+where.Column, nil)
	}
	if len(where.Values) == 0 {
		return 0, nil
	}
	set, args, err := buildSet(downloadColumns, fields)
	if err != nil {
		return 0, err
	}
	for _, v := range where.Values {
		cv, err := toColumnValue(v)
		if err != nil {
			return 0, err
		}
		args = append(args, cv)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf("UPDATE downloads SET %s WHERE %s IN (%s)", set, where.Column, placeholders(len(where.Values)))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrap("failed to update downloads", err)
	}
	return res.RowsAffected()
}

// AppendDownloadError appends one entry to the download's errors list
func (s *SQLiteStore) AppendDownloadError(ctx context.Context, id string, entry ErrorEntry) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendErrorTx(ctx, tx, "downloads", "id", id, entry)
	})
}

// DeleteDownloadByID removes a download with its files and pauses
func (s *SQLiteStore) DeleteDownloadByID(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pauses WHERE download_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE download_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id)
		return err
	})
}

// DeleteAllDownloads empties downloads, files and pauses
func (s *SQLiteStore) DeleteAllDownloads(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{"DELETE FROM pauses", "DELETE FROM files", "DELETE FROM downloads"} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
