package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/earthdata-download/edd/internal/storage"
)

var (
	runnableFileStates = []storage.FileState{storage.FileActive, storage.FilePending}
	resumableFiles     = []storage.FileState{storage.FilePaused, storage.FileInterrupted}
)

// PauseDownloadItem pauses one file, or the whole download when filename
// is empty. A whole-download pause opens a single Pause row with a nil
// file id; a file pause opens one row for that file.
func (s *Session) PauseDownloadItem(ctx context.Context, downloadID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return err
	}
	if d.State.IsTerminal() {
		return nil
	}
	now := s.now()

	if filename == "" {
		if d.State == storage.DownloadPaused {
			return nil
		}
		if _, err := s.store.UpdateFilesWhere(ctx,
			storage.FileFilter{DownloadID: downloadID, States: runnableFileStates},
			storage.Fields{"state": storage.FilePaused}); err != nil {
			return err
		}
		s.registry.PauseItem(downloadID, "")
		if _, err := s.store.CreatePause(ctx, &storage.Pause{DownloadID: downloadID, TimeStart: now}); err != nil {
			return err
		}
		if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{
			"state":    storage.DownloadPaused,
			"pause_id": uuid.New().String(),
		}); err != nil {
			return err
		}
		s.log.WithField("download_id", downloadID).Info("download paused")
		return s.admitLocked(ctx)
	}

	f, err := s.store.GetFileByName(ctx, downloadID, filename)
	if err != nil {
		return err
	}
	if f.State != storage.FileActive && f.State != storage.FilePending {
		return nil
	}
	if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{"state": storage.FilePaused}); err != nil {
		return err
	}
	s.registry.PauseItem(downloadID, filename)
	if _, err := s.store.CreatePause(ctx, &storage.Pause{DownloadID: downloadID, FileID: &f.ID, TimeStart: now}); err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"filename":    filename,
	}).Info("file paused")
	return s.admitLocked(ctx)
}

// ResumeDownloadItem returns paused or interrupted files to PENDING, where
// they wait for a free slot like any other pending file
func (s *Session) ResumeDownloadItem(ctx context.Context, downloadID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return err
	}
	if d.State.IsTerminal() {
		return nil
	}
	now := s.now()

	if filename == "" {
		if _, err := s.store.UpdateFilesWhere(ctx,
			storage.FileFilter{DownloadID: downloadID, States: resumableFiles},
			storage.Fields{"state": storage.FilePending}); err != nil {
			return err
		}
		if _, err := s.store.EndDownloadPauses(ctx, downloadID, now); err != nil {
			return err
		}
	} else {
		f, err := s.store.GetFileByName(ctx, downloadID, filename)
		if err != nil {
			return err
		}
		if f.State != storage.FilePaused && f.State != storage.FileInterrupted {
			return nil
		}
		if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{"state": storage.FilePending}); err != nil {
			return err
		}
		if _, err := s.store.EndPause(ctx, downloadID, &f.ID, now); err != nil {
			return err
		}
		if _, err := s.store.EndPause(ctx, downloadID, nil, now); err != nil {
			return err
		}
	}

	if d.State == storage.DownloadPaused || d.State == storage.DownloadInterrupted {
		// files still parked on a login or license keep the download waiting
		state := storage.DownloadActive
		switch {
		case s.waitingForAuth[downloadID]:
			state = storage.DownloadWaitingForAuth
		case s.waitingForEula[downloadID]:
			state = storage.DownloadWaitingForEula
		}
		if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{
			"state":    state,
			"pause_id": nil,
		}); err != nil {
			return err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"filename":    filename,
	}).Info("resumed")
	return s.admitLocked(ctx)
}

// CancelDownloadItem cancels one file, or the whole download when
// filename is empty. Rows are kept in CANCELLED state. Cancelling
// something already finished or deleted is a no-op.
func (s *Session) CancelDownloadItem(ctx context.Context, downloadID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.State.IsTerminal() {
		return nil
	}
	now := s.now()
	cancelID := uuid.New().String()

	if filename == "" {
		if err := s.cancelDownloadLocked(ctx, d, cancelID, now); err != nil {
			return err
		}
		return s.admitLocked(ctx)
	}

	f, err := s.store.GetFileByName(ctx, downloadID, filename)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if f.State.IsTerminal() {
		return nil
	}
	if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{
		"state":     storage.FileCancelled,
		"cancel_id": cancelID,
		"time_end":  now,
	}); err != nil {
		return err
	}
	s.registry.CancelItem(downloadID, filename)
	delete(s.limiters, fileKey{downloadID, filename})
	if _, err := s.store.EndPause(ctx, downloadID, &f.ID, now); err != nil {
		return err
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"filename":    filename,
	}).Info("file cancelled")

	if err := s.checkDownloadCompleteLocked(ctx, downloadID); err != nil {
		return err
	}
	return s.admitLocked(ctx)
}

func (s *Session) cancelDownloadLocked(ctx context.Context, d *storage.Download, cancelID string, now time.Time) error {
	if _, err := s.store.UpdateFilesWhere(ctx,
		storage.FileFilter{DownloadID: d.ID, States: storage.OutstandingFileStates},
		storage.Fields{"state": storage.FileCancelled, "cancel_id": cancelID, "time_end": now}); err != nil {
		return err
	}
	s.registry.CancelItem(d.ID, "")
	if _, err := s.store.EndDownloadPauses(ctx, d.ID, now); err != nil {
		return err
	}
	if err := s.store.UpdateDownloadByID(ctx, d.ID, storage.Fields{
		"state":              storage.DownloadCancelled,
		"cancel_id":          cancelID,
		"loading_more_files": false,
		"time_end":           now,
	}); err != nil {
		return err
	}
	s.forgetDownload(d.ID)
	s.notifier.DownloadFinished(d.ID, storage.DownloadCancelled)
	s.log.WithField("download_id", d.ID).Info("download cancelled")
	return nil
}

// RestartDownload resets every file of a download to PENDING with zero
// progress. A repeated restartID is ignored so duplicate requests are
// harmless; an empty restartID always restarts.
func (s *Session) RestartDownload(ctx context.Context, downloadID, restartID string) (*storage.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return nil, err
	}
	if restartID != "" && d.RestartID == restartID {
		return d, nil
	}
	if restartID == "" {
		restartID = uuid.New().String()
	}
	now := s.now()

	if _, err := s.store.UpdateFilesWhere(ctx, storage.FileFilter{DownloadID: downloadID}, resetFileFields(restartID)); err != nil {
		return nil, err
	}
	if _, err := s.store.EndDownloadPauses(ctx, downloadID, now); err != nil {
		return nil, err
	}

	fields := storage.Fields{
		"state":      storage.DownloadActive,
		"restart_id": restartID,
		"cancel_id":  nil,
		"pause_id":   nil,
		"errors":     nil,
		"time_start": now,
		"time_end":   nil,
	}
	if d.State == storage.DownloadErrorFetchingLinks {
		// links have to be fetched again
		fields["state"] = storage.DownloadStarting
		fields["loading_more_files"] = true
	}
	if err := s.store.UpdateDownloadByID(ctx, downloadID, fields); err != nil {
		return nil, err
	}
	s.registry.CancelItem(downloadID, "")
	s.forgetDownload(downloadID)

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"restart_id":  restartID,
	}).Info("download restarted")

	if err := s.admitLocked(ctx); err != nil {
		return nil, err
	}
	if err := s.checkDownloadCompleteLocked(ctx, downloadID); err != nil {
		return nil, err
	}
	return s.store.GetDownloadByID(ctx, downloadID)
}

// RetryErroredDownloadItem requeues one errored file, or every errored
// file of the download when filename is empty
func (s *Session) RetryErroredDownloadItem(ctx context.Context, downloadID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return err
	}
	restartID := uuid.New().String()

	filter := storage.FileFilter{
		DownloadID: downloadID,
		Filename:   filename,
		States:     []storage.FileState{storage.FileError},
	}
	n, err := s.store.UpdateFilesWhere(ctx, filter, resetFileFields(restartID))
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if filename != "" {
		s.registry.RemoveItem(downloadID, filename)
	}

	if d.State.IsTerminal() && d.State != storage.DownloadErrorFetchingLinks {
		if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{
			"state":    storage.DownloadActive,
			"time_end": nil,
		}); err != nil {
			return err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"filename":    filename,
		"files":       n,
	}).Info("retrying errored files")
	return s.admitLocked(ctx)
}

func resetFileFields(restartID string) storage.Fields {
	return storage.Fields{
		"state":          storage.FilePending,
		"percent":        0.0,
		"received_bytes": 0,
		"total_bytes":    0,
		"time_start":     nil,
		"time_end":       nil,
		"errors":         nil,
		"cancel_id":      nil,
		"restart_id":     restartID,
	}
}

// ClearDownloadHistory hides finished downloads from the active list.
// An empty downloadID clears every finished download. The returned clear
// id undoes the operation.
func (s *Session) ClearDownloadHistory(ctx context.Context, downloadID string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clearID := uuid.New().String()
	active := true
	filter := storage.DownloadFilter{Active: &active}
	if downloadID != "" {
		filter.IDs = []string{downloadID}
	}
	downloads, err := s.store.ListDownloads(ctx, filter)
	if err != nil {
		return "", 0, err
	}

	var ids []interface{}
	for _, d := range downloads {
		if !d.State.IsTerminal() {
			if downloadID == "" {
				continue
			}
			if err := s.cancelDownloadLocked(ctx, d, uuid.New().String(), s.now()); err != nil {
				return "", 0, err
			}
		}
		ids = append(ids, d.ID)
	}

	n, err := s.store.UpdateDownloadsWhereIn(ctx, storage.WhereIn{Column: "id", Values: ids},
		storage.Fields{"active": false, "clear_id": clearID})
	if err != nil {
		return "", 0, err
	}
	s.log.WithFields(map[string]interface{}{
		"clear_id":  clearID,
		"downloads": n,
	}).Info("download history cleared")

	if err := s.admitLocked(ctx); err != nil {
		return "", 0, err
	}
	return clearID, n, nil
}

// UndoClearDownloadHistory restores the downloads hidden by clearID
func (s *Session) UndoClearDownloadHistory(ctx context.Context, clearID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.UpdateDownloadsWhereIn(ctx, storage.WhereIn{Column: "clear_id", Values: []interface{}{clearID}},
		storage.Fields{"active": true, "clear_id": nil})
}

// DeleteDownload stops and removes a download with its files and pauses.
// Deleting an unknown download is a no-op.
func (s *Session) DeleteDownload(ctx context.Context, downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteDownloadByID(ctx, downloadID); err != nil && !isNotFound(err) {
		return err
	}
	s.registry.CancelItem(downloadID, "")
	s.forgetDownload(downloadID)
	s.log.WithField("download_id", downloadID).Info("download deleted")
	return s.admitLocked(ctx)
}

// DeleteAllDownloads stops every transfer and empties the history
func (s *Session) DeleteAllDownloads(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	downloads, err := s.store.ListDownloads(ctx, storage.DownloadFilter{})
	if err != nil {
		return err
	}
	if err := s.store.DeleteAllDownloads(ctx); err != nil {
		return err
	}
	for _, d := range downloads {
		s.registry.CancelItem(d.ID, "")
		s.forgetDownload(d.ID)
	}
	s.log.Infof("deleted %d downloads", len(downloads))
	return nil
}

// CompleteAuth stores the token of a finished login and requeues the
// files that were waiting for it
func (s *Session) CompleteAuth(ctx context.Context, downloadID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != "" && s.tokens != nil {
		if err := s.tokens.SetToken(ctx, token); err != nil {
			return err
		}
	}
	return s.releaseWaitingLocked(ctx, downloadID, storage.FileWaitingForAuth, storage.DownloadWaitingForAuth)
}

// AcceptEula requeues the files that were waiting for a license
// agreement
func (s *Session) AcceptEula(ctx context.Context, downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.releaseWaitingLocked(ctx, downloadID, storage.FileWaitingForEula, storage.DownloadWaitingForEula)
}

func (s *Session) releaseWaitingLocked(ctx context.Context, downloadID string, fileState storage.FileState, downloadState storage.DownloadState) error {
	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return err
	}
	if fileState == storage.FileWaitingForAuth {
		delete(s.waitingForAuth, downloadID)
	} else {
		delete(s.waitingForEula, downloadID)
	}

	n, err := s.store.UpdateFilesWhere(ctx,
		storage.FileFilter{DownloadID: downloadID, States: []storage.FileState{fileState}},
		storage.Fields{"state": storage.FilePending})
	if err != nil {
		return err
	}
	if d.State == downloadState {
		if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{"state": storage.DownloadActive}); err != nil {
			return err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"files":       n,
		"state":       downloadState,
	}).Info("released waiting files")
	return s.admitLocked(ctx)
}

// SetConcurrentDownloads changes the admission limit. Raising it admits
// pending files immediately; lowering it returns the newest active files
// to the queue.
func (s *Session) SetConcurrentDownloads(ctx context.Context, n int) error {
	if n < 1 {
		return ErrInvalidConcurrency
	}
	_, err := s.UpdatePreferences(ctx, storage.Fields{"concurrent_downloads": n})
	return err
}

// UpdatePreferences applies a partial preferences update and re-runs
// admission
func (s *Session) UpdatePreferences(ctx context.Context, fields storage.Fields) (*storage.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := fields["concurrent_downloads"]; ok {
		if n, ok := v.(int); !ok || n < 1 {
			return nil, ErrInvalidConcurrency
		}
	}
	if err := s.store.UpdatePreferences(ctx, fields); err != nil {
		return nil, err
	}
	if err := s.shedLocked(ctx); err != nil {
		return nil, err
	}
	if err := s.admitLocked(ctx); err != nil {
		return nil, err
	}
	return s.store.GetPreferences(ctx)
}
