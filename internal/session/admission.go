package session

import (
	"context"

	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/transfer"
)

// Admit promotes pending files while global slots are free
func (s *Session) Admit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitLocked(ctx)
}

// admitLocked fills free slots in admission order. Every file it picks
// leaves PENDING (to ACTIVE, or ERROR when the transfer cannot start), so
// the loop ends.
func (s *Session) admitLocked(ctx context.Context) error {
	for {
		prefs, err := s.store.GetPreferences(ctx)
		if err != nil {
			return err
		}
		active, err := s.store.CountFiles(ctx, storage.FileFilter{States: []storage.FileState{storage.FileActive}})
		if err != nil {
			return err
		}
		slots := prefs.ConcurrentDownloads - active
		if slots <= 0 {
			return nil
		}

		files, err := s.store.NextPendingFiles(ctx, slots)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return nil
		}
		for _, f := range files {
			if err := s.startFileLocked(ctx, f); err != nil {
				return err
			}
		}
	}
}

// shedLocked returns the newest active files to PENDING while more files
// are active than the limit allows. Their handles are paused, so a later
// admission resumes them instead of starting over.
func (s *Session) shedLocked(ctx context.Context) error {
	prefs, err := s.store.GetPreferences(ctx)
	if err != nil {
		return err
	}
	active, err := s.store.ListFiles(ctx, storage.FileFilter{States: []storage.FileState{storage.FileActive}})
	if err != nil {
		return err
	}
	excess := len(active) - prefs.ConcurrentDownloads
	for i := len(active) - 1; i >= 0 && excess > 0; i-- {
		f := active[i]
		if err := s.store.UpdateFile(ctx, f.ID, storage.Fields{"state": storage.FilePending}); err != nil {
			return err
		}
		s.registry.PauseItem(f.DownloadID, f.Filename)
		excess--

		s.log.WithFields(map[string]interface{}{
			"download_id": f.DownloadID,
			"filename":    f.Filename,
		}).Debug("returned file to queue")
	}
	return nil
}

// startFileLocked moves one pending file to ACTIVE and starts or resumes
// its transfer
func (s *Session) startFileLocked(ctx context.Context, f *storage.File) error {
	d, err := s.store.GetDownloadByID(ctx, f.DownloadID)
	if err != nil {
		return err
	}
	now := s.now()

	fields := storage.Fields{"state": storage.FileActive}
	if f.TimeStart == nil {
		fields["time_start"] = now
	}
	if err := s.store.UpdateFile(ctx, f.ID, fields); err != nil {
		return err
	}

	if d.State == storage.DownloadPending || d.State == storage.DownloadStarting {
		dfields := storage.Fields{"state": storage.DownloadActive}
		if d.TimeStart == nil {
			dfields["time_start"] = now
		}
		if err := s.store.UpdateDownloadByID(ctx, d.ID, dfields); err != nil {
			return err
		}
	}

	log := s.log.WithFields(map[string]interface{}{
		"download_id": f.DownloadID,
		"filename":    f.Filename,
	})

	if handle, ok := s.registry.GetItem(f.DownloadID, f.Filename); ok {
		if err := handle.Resume(); err == nil {
			log.Debug("resumed transfer")
			return nil
		}
		s.registry.RemoveItem(f.DownloadID, f.Filename)
	}

	handle, err := s.transferer.Start(ctx, transfer.Request{
		DownloadID:  f.DownloadID,
		Filename:    f.Filename,
		URL:         f.URL,
		Destination: d.DownloadLocation,
	}, s.listener)
	if err != nil {
		log.WithError(err).Warn("failed to start transfer")
		return s.failFileLocked(ctx, f, err)
	}
	s.registry.AddItem(f.DownloadID, f.Filename, handle)
	log.Debug("started transfer")
	return nil
}
