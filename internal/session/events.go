package session

import (
	"context"

	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/transfer"
)

// HandleProgress records a progress tick of an active file. Writes are
// throttled per file; percent never goes backwards.
func (s *Session) HandleProgress(ctx context.Context, downloadID, filename string, p transfer.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.activeFile(ctx, downloadID, filename)
	if f == nil || err != nil {
		return err
	}

	percent := p.Percent()
	if percent < f.Percent {
		percent = f.Percent
	}
	if p.TotalBytes > 0 && p.ReceivedBytes >= p.TotalBytes {
		return s.completeFileLocked(ctx, f, p)
	}

	if !s.limiter(fileKey{downloadID, filename}).Allow() {
		return nil
	}
	return s.store.UpdateFile(ctx, f.ID, storage.Fields{
		"percent":        percent,
		"received_bytes": p.ReceivedBytes,
		"total_bytes":    p.TotalBytes,
	})
}

// HandleCompleted marks a file COMPLETED and reports whether the event was
// applied. Late events for files that were cancelled, deleted or restarted
// are dropped.
func (s *Session) HandleCompleted(ctx context.Context, downloadID, filename string, p transfer.Progress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.store.GetFileByName(ctx, downloadID, filename)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch f.State {
	case storage.FileActive, storage.FilePaused:
	case storage.FilePending:
		// a file returned to the queue may finish before its pause lands
		if _, ok := s.registry.GetItem(downloadID, filename); !ok {
			return false, nil
		}
	default:
		return false, nil
	}
	if err := s.completeFileLocked(ctx, f, p); err != nil {
		return false, err
	}
	return true, nil
}

// HandleFailed lands an active file in ERROR with the cause appended. It
// reports false when the file was no longer active.
func (s *Session) HandleFailed(ctx context.Context, downloadID, filename string, cause error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.activeFile(ctx, downloadID, filename)
	if f == nil || err != nil {
		return false, err
	}
	if err := s.failFileLocked(ctx, f, cause); err != nil {
		return false, err
	}
	return true, s.admitLocked(ctx)
}

// HandleRedirect reports whether the transfer must stop because location
// is an auth or EULA page. The file and its download then wait for the
// user, who is prompted once per download.
func (s *Session) HandleRedirect(ctx context.Context, downloadID, filename, location string) (bool, error) {
	kind := s.classifier.Classify(location)
	if kind == InterceptNone {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.activeFile(ctx, downloadID, filename)
	if f == nil || err != nil {
		return true, err
	}
	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return true, err
	}

	fileState, downloadState := storage.FileWaitingForAuth, storage.DownloadWaitingForAuth
	if kind == InterceptEula {
		fileState, downloadState = storage.FileWaitingForEula, storage.DownloadWaitingForEula
	}

	if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{"state": fileState}); err != nil {
		return true, err
	}
	s.registry.RemoveItem(downloadID, filename)
	delete(s.limiters, fileKey{downloadID, filename})

	if !d.State.IsTerminal() && d.State != downloadState {
		if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{"state": downloadState}); err != nil {
			return true, err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"filename":    filename,
		"kind":        kind.String(),
	}).Info("transfer intercepted")

	switch kind {
	case InterceptAuth:
		if !s.waitingForAuth[downloadID] {
			s.waitingForAuth[downloadID] = true
			authURL := d.AuthURL
			if authURL == "" {
				authURL = location
			}
			s.notifier.AuthRequired(downloadID, authURL)
		}
	case InterceptEula:
		if !s.waitingForEula[downloadID] {
			s.waitingForEula[downloadID] = true
			eulaURL := d.EulaURL
			if eulaURL == "" {
				eulaURL = location
			}
			s.notifier.EulaRequired(downloadID, eulaURL, d.EulaRedirectURL)
		}
	}

	return true, s.admitLocked(ctx)
}

// activeFile loads a file and returns nil unless it is ACTIVE
func (s *Session) activeFile(ctx context.Context, downloadID, filename string) (*storage.File, error) {
	f, err := s.store.GetFileByName(ctx, downloadID, filename)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.State != storage.FileActive {
		return nil, nil
	}
	return f, nil
}

func (s *Session) completeFileLocked(ctx context.Context, f *storage.File, p transfer.Progress) error {
	now := s.now()
	total := p.TotalBytes
	if total == 0 {
		total = p.ReceivedBytes
	}
	if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{
		"state":          storage.FileCompleted,
		"percent":        100.0,
		"received_bytes": p.ReceivedBytes,
		"total_bytes":    total,
		"time_end":       now,
	}); err != nil {
		return err
	}
	if f.State == storage.FilePaused {
		if _, err := s.store.EndPause(ctx, f.DownloadID, &f.ID, now); err != nil {
			return err
		}
	}
	s.registry.RemoveItem(f.DownloadID, f.Filename)
	delete(s.limiters, fileKey{f.DownloadID, f.Filename})

	s.log.WithFields(map[string]interface{}{
		"download_id": f.DownloadID,
		"filename":    f.Filename,
		"bytes":       p.ReceivedBytes,
	}).Info("file completed")

	if err := s.checkDownloadCompleteLocked(ctx, f.DownloadID); err != nil {
		return err
	}
	return s.admitLocked(ctx)
}

// failFileLocked records cause on the file. It does not admit.
func (s *Session) failFileLocked(ctx context.Context, f *storage.File, cause error) error {
	terr := &TransferError{DownloadID: f.DownloadID, Filename: f.Filename, Err: cause}
	now := s.now()
	if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{
		"state":    storage.FileError,
		"time_end": now,
	}); err != nil {
		return err
	}
	if err := s.store.AppendFileError(ctx, f.ID, storage.ErrorEntry{
		Title:   "Download failed",
		Message: terr.Error(),
		Time:    now,
	}); err != nil {
		return err
	}
	s.registry.RemoveItem(f.DownloadID, f.Filename)
	delete(s.limiters, fileKey{f.DownloadID, f.Filename})

	s.log.WithFields(map[string]interface{}{
		"download_id": f.DownloadID,
		"filename":    f.Filename,
	}).WithError(cause).Warn("file failed")

	return s.checkDownloadCompleteLocked(ctx, f.DownloadID)
}

// directListener feeds transfer events into the session, logging errors
// since transfers have nobody to return them to
type directListener struct {
	s *Session
}

func (l directListener) OnProgress(downloadID, filename string, p transfer.Progress) {
	if err := l.s.HandleProgress(context.Background(), downloadID, filename, p); err != nil {
		l.s.log.WithError(err).Error("failed to record progress")
	}
}

func (l directListener) OnCompleted(downloadID, filename string, p transfer.Progress) {
	if _, err := l.s.HandleCompleted(context.Background(), downloadID, filename, p); err != nil {
		l.s.log.WithError(err).Error("failed to record completion")
	}
}

func (l directListener) OnFailed(downloadID, filename string, cause error) {
	if _, err := l.s.HandleFailed(context.Background(), downloadID, filename, cause); err != nil {
		l.s.log.WithError(err).Error("failed to record transfer failure")
	}
}

func (l directListener) OnRedirect(downloadID, filename, location string) bool {
	stop, err := l.s.HandleRedirect(context.Background(), downloadID, filename, location)
	if err != nil {
		l.s.log.WithError(err).Error("failed to record interception")
	}
	return stop
}
