package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(&SQLiteConfig{Path: MemoryPath})
	require.NoError(t, err)
	require.NoError(t, store.MigrateDatabase(context.Background(), nil))
	t.Cleanup(func() { store.Close() })
	return store
}

func createDownload(t *testing.T, store *SQLiteStore, id string, createdAt time.Time) *Download {
	t.Helper()
	d := &Download{ID: id, State: DownloadActive, Active: true, CreatedAt: createdAt, DownloadLocation: "/tmp/" + id}
	require.NoError(t, store.CreateDownload(context.Background(), d))
	return d
}

func TestMigrateDatabaseIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "edd.db")

	store, err := NewSQLiteStore(&SQLiteConfig{Path: path, EnableWAL: true})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.MigrateDatabase(ctx, &Preferences{ConcurrentDownloads: 3}))
	require.NoError(t, store.UpdatePreferences(ctx, Fields{"concurrent_downloads": 7}))
	require.NoError(t, store.MigrateDatabase(ctx, nil))

	var prefRows, tokenRows, versions int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM preferences").Scan(&prefRows))
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM token").Scan(&tokenRows))
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, prefRows)
	assert.Equal(t, 1, tokenRows)
	assert.Equal(t, 2, versions)

	prefs, err := store.GetPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, prefs.ConcurrentDownloads, "seed must not overwrite an existing row")
}

func TestNewStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		store, err := NewStore(&StorageConfig{Type: StorageTypeMemory})
		require.NoError(t, err)
		assert.NoError(t, store.Close())
	})
	t.Run("sqlite without config", func(t *testing.T) {
		_, err := NewStore(&StorageConfig{Type: StorageTypeSQLite})
		assert.ErrorIs(t, err, ErrMissingSQLiteConfig)
	})
	t.Run("unknown type", func(t *testing.T) {
		_, err := NewStore(&StorageConfig{Type: "postgres"})
		assert.ErrorIs(t, err, ErrInvalidStorageType)
	})
}

func TestCreateDownload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	d := &Download{ID: "D1", DownloadLocation: "/data", GetLinksURL: "https://cmr/links", LoadingMoreFiles: true, Active: true}
	require.NoError(t, store.CreateDownload(ctx, d))
	assert.Equal(t, DownloadPending, d.State)

	got, err := store.GetDownloadByID(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "/data", got.DownloadLocation)
	assert.Equal(t, "https://cmr/links", got.GetLinksURL)
	assert.True(t, got.LoadingMoreFiles)
	assert.True(t, got.Active)
	assert.Nil(t, got.TimeStart)

	err = store.CreateDownload(ctx, &Download{ID: "D1"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = store.GetDownloadByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddLinksByDownloadID(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicates collapse into one row", func(t *testing.T) {
		store := newTestStore(t)
		createDownload(t, store, "D1", time.Now())

		res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png", "https://x/a.png"}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Added)
		assert.Equal(t, 1, res.Duplicates)

		files, err := store.GetFilesByDownloadID(ctx, "D1")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "a.png", files[0].Filename)
		assert.Equal(t, 1, files[0].DuplicateCount)
		assert.Equal(t, FilePending, files[0].State)

		// a later batch with the same name still folds in
		_, err = store.AddLinksByDownloadID(ctx, "D1", []string{"https://mirror/other/a.png"}, false)
		require.NoError(t, err)
		f, err := store.GetFileByName(ctx, "D1", "a.png")
		require.NoError(t, err)
		assert.Equal(t, 2, f.DuplicateCount)
	})

	t.Run("non-https links are counted as invalid", func(t *testing.T) {
		store := newTestStore(t)
		createDownload(t, store, "D1", time.Now())

		res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"http://insecure/file.png"}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Invalid)
		assert.Equal(t, 0, res.Added)

		count, err := store.CountFiles(ctx, FileFilter{DownloadID: "D1"})
		require.NoError(t, err)
		assert.Zero(t, count)

		d, err := store.GetDownloadByID(ctx, "D1")
		require.NoError(t, err)
		assert.Equal(t, 1, d.InvalidLinks)
	})

	t.Run("insecure links allowed when configured", func(t *testing.T) {
		store := newTestStore(t)
		createDownload(t, store, "D1", time.Now())

		res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"http://x/a.png", "ftp://x/b.png", "https://x/"}, true)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Added)
		assert.Equal(t, 2, res.Invalid)
	})

	t.Run("unknown download", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddLinksByDownloadID(ctx, "nope", []string{"https://x/a.png"}, false)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		raw      string
		insecure bool
		want     string
		wantErr  bool
	}{
		{raw: "https://data.nasa.gov/granules/G1.h5", want: "G1.h5"},
		{raw: "https://data.nasa.gov/a%20b.nc", want: "a b.nc"},
		{raw: "https://data.nasa.gov/file.nc?token=1", want: "file.nc"},
		{raw: "http://data.nasa.gov/file.nc", wantErr: true},
		{raw: "http://data.nasa.gov/file.nc", insecure: true, want: "file.nc"},
		{raw: "s3://bucket/file.nc", insecure: true, wantErr: true},
		{raw: "https://data.nasa.gov/", wantErr: true},
		{raw: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := FilenameFromURL(tt.raw, tt.insecure)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLink)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartialUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createDownload(t, store, "D1", time.Now())
	createDownload(t, store, "D2", time.Now())
	_, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png"}, false)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.UpdateDownloadByID(ctx, "D1", Fields{"state": DownloadPaused, "time_start": now, "loading_more_files": false}))
	d, err := store.GetDownloadByID(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, DownloadPaused, d.State)
	require.NotNil(t, d.TimeStart)
	assert.Equal(t, now.UnixMilli(), d.TimeStart.UnixMilli())

	err = store.UpdateDownloadByID(ctx, "D1", Fields{"id": "D9"})
	assert.ErrorIs(t, err, ErrInvalidField)

	err = store.UpdateDownloadByID(ctx, "missing", Fields{"state": DownloadActive})
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := store.UpdateDownloadsWhereIn(ctx, WhereIn{Column: "state", Values: []interface{}{DownloadActive, DownloadPaused}}, Fields{"active": false})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f, err := store.GetFileByName(ctx, "D1", "a.png")
	require.NoError(t, err)
	require.NoError(t, store.UpdateFile(ctx, f.ID, Fields{"percent": 42.5, "received_bytes": 10, "total_bytes": 100}))
	f, err = store.GetFileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 42.5, f.Percent)
	assert.Equal(t, int64(100), f.TotalBytes)

	_, err = store.UpdateFilesWhere(ctx, FileFilter{}, Fields{"state": FileActive})
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestAppendErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createDownload(t, store, "D1", time.Now())
	res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png"}, false)
	require.NoError(t, err)

	require.NoError(t, store.AppendFileError(ctx, res.FileIDs[0], ErrorEntry{Title: "transfer", Message: "reset"}))
	require.NoError(t, store.AppendFileError(ctx, res.FileIDs[0], ErrorEntry{Title: "transfer", Message: "timeout"}))
	require.NoError(t, store.AppendDownloadError(ctx, "D1", ErrorEntry{Message: "links"}))

	f, err := store.GetFileByID(ctx, res.FileIDs[0])
	require.NoError(t, err)
	require.Len(t, f.Errors, 2)
	assert.Equal(t, "timeout", f.Errors[1].Message)
	assert.False(t, f.Errors[0].Time.IsZero())

	d, err := store.GetDownloadByID(ctx, "D1")
	require.NoError(t, err)
	assert.Len(t, d.Errors, 1)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createDownload(t, store, "D1", time.Now())
	createDownload(t, store, "D2", time.Now())
	res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png", "https://x/b.png"}, false)
	require.NoError(t, err)
	_, err = store.AddLinksByDownloadID(ctx, "D2", []string{"https://x/c.png"}, false)
	require.NoError(t, err)
	_, err = store.CreatePause(ctx, &Pause{DownloadID: "D1", FileID: &res.FileIDs[0]})
	require.NoError(t, err)

	require.NoError(t, store.DeleteDownloadByID(ctx, "D1"))

	count, err := store.CountFiles(ctx, FileFilter{DownloadID: "D1"})
	require.NoError(t, err)
	assert.Zero(t, count)
	pauses, err := store.GetPausesByDownloadID(ctx, "D1")
	require.NoError(t, err)
	assert.Empty(t, pauses)
	count, err = store.CountFiles(ctx, FileFilter{DownloadID: "D2"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.DeleteAllDownloads(ctx))
	total, err := store.CountDownloads(ctx, DownloadFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	count, err = store.CountFiles(ctx, FileFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetNotCompletedFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createDownload(t, store, "D1", time.Now())
	res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png", "https://x/b.png", "https://x/c.png"}, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateFile(ctx, res.FileIDs[0], Fields{"state": FileCompleted}))
	require.NoError(t, store.UpdateFile(ctx, res.FileIDs[1], Fields{"state": FileError}))

	files, err := store.GetNotCompletedFilesByDownloadID(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.png", files[0].Filename)
	assert.Equal(t, "c.png", files[1].Filename)
}

func TestNextPendingFilesOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	createDownload(t, store, "newer", base.Add(time.Minute))
	createDownload(t, store, "older", base)
	createDownload(t, store, "paused", base.Add(-time.Minute))

	_, err := store.AddLinksByDownloadID(ctx, "newer", []string{"https://x/n1.png"}, false)
	require.NoError(t, err)
	_, err = store.AddLinksByDownloadID(ctx, "older", []string{"https://x/o1.png", "https://x/o2.png"}, false)
	require.NoError(t, err)
	_, err = store.AddLinksByDownloadID(ctx, "paused", []string{"https://x/p1.png"}, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateDownloadByID(ctx, "paused", Fields{"state": DownloadPaused}))

	files, err := store.NextPendingFiles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "o1.png", files[0].Filename)
	assert.Equal(t, "o2.png", files[1].Filename)
	assert.Equal(t, "n1.png", files[2].Filename)

	files, err = store.NextPendingFiles(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFileStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createDownload(t, store, "D1", time.Now())
	createDownload(t, store, "empty", time.Now())
	res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png", "https://x/b.png", "https://x/c.png"}, false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateFile(ctx, res.FileIDs[0], Fields{"state": FileCompleted, "received_bytes": 100, "total_bytes": 100}))
	require.NoError(t, store.UpdateFile(ctx, res.FileIDs[1], Fields{"state": FileCompleted, "received_bytes": 50, "total_bytes": 50}))
	require.NoError(t, store.UpdateFile(ctx, res.FileIDs[2], Fields{"state": FileActive, "received_bytes": 25, "total_bytes": 50}))

	stats, err := store.FileStatsByDownloadIDs(ctx, []string{"D1", "empty"})
	require.NoError(t, err)
	st := stats["D1"]
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Outstanding())
	assert.Equal(t, int64(175), st.ReceivedBytes)
	assert.Equal(t, int64(200), st.TotalBytes)
	assert.Equal(t, 0, stats["empty"].Total)
}

func TestPauses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createDownload(t, store, "D1", time.Now())
	res, err := store.AddLinksByDownloadID(ctx, "D1", []string{"https://x/a.png"}, false)
	require.NoError(t, err)
	fileID := res.FileIDs[0]

	start := time.Now().Add(-10 * time.Second)
	created, err := store.CreatePause(ctx, &Pause{DownloadID: "D1", TimeStart: start})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreatePause(ctx, &Pause{DownloadID: "D1"})
	require.NoError(t, err)
	assert.False(t, created, "only one open download-level pause")

	created, err = store.CreatePause(ctx, &Pause{DownloadID: "D1", FileID: &fileID})
	require.NoError(t, err)
	assert.True(t, created, "file-level key is independent")

	n, err := store.EndPause(ctx, "D1", nil, start.Add(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	durations, err := store.PausedDurations(ctx, []string{"D1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, durations["D1"])

	// closed pause frees the key again
	created, err = store.CreatePause(ctx, &Pause{DownloadID: "D1"})
	require.NoError(t, err)
	assert.True(t, created)

	n, err = store.EndDownloadPauses(ctx, "D1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pauses, err := store.GetPausesByDownloadID(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, pauses, 3)
	for _, p := range pauses {
		assert.NotNil(t, p.TimeEnd)
	}
}

func TestPreferencesAndToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	prefs, err := store.GetPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, prefs.ConcurrentDownloads)

	require.NoError(t, store.UpdatePreferences(ctx, Fields{"last_download_location": "/data", "allow_metrics": true}))
	prefs, err = store.GetPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/data", prefs.LastDownloadLocation)
	assert.True(t, prefs.AllowMetrics)

	token, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, store.SetToken(ctx, "abc"))
	token, err = store.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	require.NoError(t, store.SetToken(ctx, ""))
	token, err = store.GetToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Close())

	err := store.CreateDownload(ctx, &Download{ID: "D1"})
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	_, err = store.GetPreferences(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	assert.NoError(t, store.Close())
}
