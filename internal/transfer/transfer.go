// Package transfer defines the byte-level transfer boundary the session
// orchestrates, and an HTTP implementation of it.
package transfer

import (
	"context"
	"errors"
)

// ErrIntercepted is reported when a listener claimed a redirect and the
// transfer stopped without writing the file.
var ErrIntercepted = errors.New("transfer intercepted")

// Request describes one file to fetch
type Request struct {
	DownloadID  string
	Filename    string
	URL         string
	Destination string // directory the file is written to
}

// Progress is a byte count snapshot for one transfer
type Progress struct {
	ReceivedBytes int64
	TotalBytes    int64
}

// Percent returns received/total as 0..100, or 0 when the size is unknown
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	pct := float64(p.ReceivedBytes) * 100 / float64(p.TotalBytes)
	if pct > 100 {
		return 100
	}
	return pct
}

// Listener receives transfer events. Calls may arrive from any goroutine
// and in any order relative to user commands.
type Listener interface {
	OnProgress(downloadID, filename string, p Progress)
	OnCompleted(downloadID, filename string, p Progress)
	OnFailed(downloadID, filename string, err error)
	// OnRedirect is consulted before following a redirect. Returning true
	// stops the transfer; no completion or failure event follows.
	OnRedirect(downloadID, filename, location string) bool
}

// Handle controls a running transfer. Implementations must not block on
// listener callbacks.
type Handle interface {
	Pause() error
	Resume() error
	Cancel() error
}

// Transferer starts transfers
type Transferer interface {
	Start(ctx context.Context, req Request, l Listener) (Handle, error)
}
