package gateway

import (
	"context"

	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/session"
	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/transfer"
)

// hubNotifier turns session prompts into websocket events. It runs under
// the session lock; Hub.Emit never blocks.
type hubNotifier struct {
	hub *Hub
}

func (n hubNotifier) AuthRequired(downloadID, authURL string) {
	n.hub.Emit(EventAuthRequired, map[string]string{
		"downloadId": downloadID,
		"authUrl":    authURL,
	})
}

func (n hubNotifier) EulaRequired(downloadID, eulaURL, redirectURL string) {
	n.hub.Emit(EventEulaRequired, map[string]string{
		"downloadId":      downloadID,
		"eulaUrl":         eulaURL,
		"eulaRedirectUrl": redirectURL,
	})
}

func (n hubNotifier) DownloadFinished(downloadID string, state storage.DownloadState) {
	n.hub.Emit(EventDownloadFinished, map[string]string{
		"downloadId": downloadID,
		"state":      string(state),
	})
}

// transferListener feeds raw transfer events into the session and
// mirrors per-file outcomes to clients
type transferListener struct {
	ctx     context.Context
	session *session.Session
	hub     *Hub
	log     *logger.Logger
}

func (l *transferListener) OnProgress(downloadID, filename string, p transfer.Progress) {
	if err := l.session.HandleProgress(l.ctx, downloadID, filename, p); err != nil {
		l.log.WithError(err).WithField("download_id", downloadID).Error("failed to record progress")
	}
}

func (l *transferListener) OnCompleted(downloadID, filename string, p transfer.Progress) {
	applied, err := l.session.HandleCompleted(l.ctx, downloadID, filename, p)
	if err != nil {
		l.log.WithError(err).WithField("download_id", downloadID).Error("failed to record completion")
		return
	}
	if !applied {
		return
	}
	l.hub.Emit(EventFileCompleted, map[string]interface{}{
		"downloadId":    downloadID,
		"filename":      filename,
		"receivedBytes": p.ReceivedBytes,
	})
}

func (l *transferListener) OnFailed(downloadID, filename string, cause error) {
	applied, err := l.session.HandleFailed(l.ctx, downloadID, filename, cause)
	if err != nil {
		l.log.WithError(err).WithField("download_id", downloadID).Error("failed to record transfer failure")
		return
	}
	if !applied {
		return
	}
	l.hub.Emit(EventFileFailed, map[string]string{
		"downloadId": downloadID,
		"filename":   filename,
		"error":      cause.Error(),
	})
}

func (l *transferListener) OnRedirect(downloadID, filename, location string) bool {
	stop, err := l.session.HandleRedirect(l.ctx, downloadID, filename, location)
	if err != nil {
		l.log.WithError(err).WithField("download_id", downloadID).Error("failed to record interception")
	}
	return stop
}
