package storage

import (
	"context"
	"database/sql"
)

// GetPreferences returns the singleton preferences row
func (s *SQLiteStore) GetPreferences(ctx context.Context) (*Preferences, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var p Preferences
	var defLoc, lastLoc, window sql.NullString
	var allow, hasSet int
	err := s.db.QueryRowContext(ctx, `
		SELECT concurrent_downloads, default_download_location, last_download_location,
			window_state, allow_metrics, has_metrics_preference_been_set
		FROM preferences WHERE id = 1`).Scan(&p.ConcurrentDownloads, &defLoc, &lastLoc, &window, &allow, &hasSet)
	if err == sql.ErrNoRows {
		return nil, newError(CodeNotFound, "preferences not seeded", nil)
	}
	if err != nil {
		return nil, s.wrap("failed to get preferences", err)
	}
	p.DefaultDownloadLocation = defLoc.String
	p.LastDownloadLocation = lastLoc.String
	p.WindowState = window.String
	p.AllowMetrics = allow != 0
	p.HasMetricsPreferenceBeenSet = hasSet != 0
	return &p, nil
}

// UpdatePreferences applies a partial update to the preferences row
func (s *SQLiteStore) UpdatePreferences(ctx context.Context, fields Fields) error {
	if err := s.check(); err != nil {
		return err
	}
	set, args, err := buildSet(preferenceColumns, fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE preferences SET "+set+" WHERE id = 1", args...)
	if err != nil {
		return s.wrap("failed to update preferences", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(CodeNotFound, "preferences not seeded", nil)
	}
	return nil
}

// GetToken returns the stored bearer token, empty when none is set
func (s *SQLiteStore) GetToken(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT token FROM token WHERE id = 1").Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", s.wrap("failed to get token", err)
	}
	return token.String, nil
}

// SetToken stores the bearer token; an empty token clears it
func (s *SQLiteStore) SetToken(ctx context.Context, token string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token (id, token) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token`, nullString(token))
	return s.wrap("failed to set token", err)
}
