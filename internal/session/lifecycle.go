package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/earthdata-download/edd/internal/storage"
)

// InitRequest describes a new download batch
type InitRequest struct {
	ID               string `json:"id"`
	DownloadLocation string `json:"downloadLocation"`
	AuthURL          string `json:"authUrl"`
	EulaURL          string `json:"eulaUrl"`
	EulaRedirectURL  string `json:"eulaRedirectUrl"`
	GetLinksURL      string `json:"getLinksUrl"`
	GetLinksToken    string `json:"getLinksToken"`
	ClientID         string `json:"clientId"`
}

// InitializeDownload creates a PENDING download. An id that already
// exists means the batch is already in progress; the stored download is
// returned without error.
func (s *Session) InitializeDownload(ctx context.Context, req InitRequest) (*storage.Download, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	d := &storage.Download{
		ID:               req.ID,
		State:            storage.DownloadPending,
		DownloadLocation: req.DownloadLocation,
		AuthURL:          req.AuthURL,
		EulaURL:          req.EulaURL,
		EulaRedirectURL:  req.EulaRedirectURL,
		GetLinksURL:      req.GetLinksURL,
		GetLinksToken:    req.GetLinksToken,
		LoadingMoreFiles: true,
		Active:           true,
		CreatedAt:        s.now(),
		ClientID:         req.ClientID,
	}
	err := s.store.CreateDownload(ctx, d)
	if errors.Is(err, storage.ErrDuplicateID) {
		existing, gerr := s.store.GetDownloadByID(ctx, req.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		s.log.WithField("download_id", req.ID).Info("download already initialized")
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if req.DownloadLocation != "" {
		if err := s.store.UpdatePreferences(ctx, storage.Fields{"last_download_location": req.DownloadLocation}); err != nil {
			return nil, false, err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": d.ID,
		"location":    d.DownloadLocation,
	}).Info("download initialized")
	return d, true, nil
}

// BeginLinkDiscovery moves a PENDING download to STARTING
func (s *Session) BeginLinkDiscovery(ctx context.Context, downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return err
	}
	if d.State != storage.DownloadPending {
		return nil
	}
	fields := storage.Fields{"state": storage.DownloadStarting, "loading_more_files": true}
	if d.TimeStart == nil {
		fields["time_start"] = s.now()
	}
	return s.store.UpdateDownloadByID(ctx, downloadID, fields)
}

// AddLinks stores a batch of discovered links and admits what it can.
// done marks the last batch: the download may finish once its files do.
func (s *Session) AddLinks(ctx context.Context, downloadID string, urls []string, done bool) (*storage.AddLinksResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if err != nil {
		return nil, err
	}
	if d.State.IsTerminal() {
		return nil, ErrDownloadClosed
	}

	result, err := s.store.AddLinksByDownloadID(ctx, downloadID, urls, s.config.AllowInsecureLinks)
	if err != nil {
		return nil, err
	}

	fields := storage.Fields{}
	if done {
		fields["loading_more_files"] = false
	}
	if d.TimeStart == nil {
		fields["time_start"] = s.now()
	}
	if len(fields) > 0 {
		if err := s.store.UpdateDownloadByID(ctx, downloadID, fields); err != nil {
			return nil, err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"added":       result.Added,
		"duplicates":  result.Duplicates,
		"invalid":     result.Invalid,
		"done":        done,
	}).Info("links added")

	if err := s.admitLocked(ctx); err != nil {
		return nil, err
	}
	if done {
		if err := s.checkDownloadCompleteLocked(ctx, downloadID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// LinkDiscoveryFailed ends a download in ERROR_FETCHING_LINKS. Files that
// were already discovered are cancelled.
func (s *Session) LinkDiscoveryFailed(ctx context.Context, downloadID string, cause error) error {
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

	lerr := &LinkDiscoveryError{DownloadID: downloadID, Err: cause}
	now := s.now()

	if _, err := s.store.UpdateFilesWhere(ctx,
		storage.FileFilter{DownloadID: downloadID, States: storage.OutstandingFileStates},
		storage.Fields{"state": storage.FileCancelled, "time_end": now}); err != nil {
		return err
	}
	s.registry.CancelItem(downloadID, "")
	if _, err := s.store.EndDownloadPauses(ctx, downloadID, now); err != nil {
		return err
	}
	if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{
		"state":              storage.DownloadErrorFetchingLinks,
		"loading_more_files": false,
		"time_end":           now,
	}); err != nil {
		return err
	}
	if err := s.store.AppendDownloadError(ctx, downloadID, storage.ErrorEntry{
		Title:   "Error fetching links",
		Message: lerr.Error(),
		Time:    now,
	}); err != nil {
		return err
	}
	s.forgetDownload(downloadID)
	s.notifier.DownloadFinished(downloadID, storage.DownloadErrorFetchingLinks)

	s.log.WithField("download_id", downloadID).WithError(cause).Warn("link discovery failed")
	return s.admitLocked(ctx)
}

// checkDownloadCompleteLocked finishes a download once no file is
// outstanding and no more links are coming
func (s *Session) checkDownloadCompleteLocked(ctx context.Context, downloadID string) error {
	d, err := s.store.GetDownloadByID(ctx, downloadID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.State.IsTerminal() || d.LoadingMoreFiles {
		return nil
	}

	stats, err := s.store.FileStatsByDownloadIDs(ctx, []string{downloadID})
	if err != nil {
		return err
	}
	st := stats[downloadID]
	if st.Outstanding() > 0 {
		return nil
	}

	state := storage.DownloadCompleted
	switch {
	case st.Errored > 0:
		state = storage.DownloadError
	case st.Total == 0 && d.InvalidLinks > 0:
		state = storage.DownloadError
	case st.Total > 0 && st.Completed == 0 && st.Cancelled > 0:
		state = storage.DownloadCancelled
	}

	now := s.now()
	if _, err := s.store.EndDownloadPauses(ctx, downloadID, now); err != nil {
		return err
	}
	if err := s.store.UpdateDownloadByID(ctx, downloadID, storage.Fields{
		"state":    state,
		"time_end": now,
	}); err != nil {
		return err
	}
	s.forgetDownload(downloadID)
	s.notifier.DownloadFinished(downloadID, state)

	s.log.WithFields(map[string]interface{}{
		"download_id": downloadID,
		"state":       state,
		"completed":   st.Completed,
		"errored":     st.Errored,
	}).Info("download finished")
	return nil
}
