// Package registry keeps the live transfer handles of running files so
// pause, resume and cancel can reach them. It is a lookup table only;
// persisted state lives in storage.
package registry

import (
	"sync"

	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/transfer"
)

type itemKey struct {
	downloadID string
	filename   string
}

// Registry maps (downloadId, filename) to a live transfer handle
type Registry struct {
	items map[string]map[string]transfer.Handle
	mu    sync.RWMutex
	log   *logger.Logger
}

// New creates an empty registry
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Registry{
		items: make(map[string]map[string]transfer.Handle),
		log:   log,
	}
}

// AddItem registers a started transfer, replacing any previous handle
func (r *Registry) AddItem(downloadID, filename string, h transfer.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, ok := r.items[downloadID]
	if !ok {
		files = make(map[string]transfer.Handle)
		r.items[downloadID] = files
	}
	files[filename] = h
}

// GetItem returns the handle for a file, if one is registered
func (r *Registry) GetItem(downloadID, filename string) (transfer.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.items[downloadID][filename]
	return h, ok
}

// RemoveItem forgets a handle. Unknown keys are ignored.
func (r *Registry) RemoveItem(downloadID, filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, ok := r.items[downloadID]
	if !ok {
		return
	}
	delete(files, filename)
	if len(files) == 0 {
		delete(r.items, downloadID)
	}
}

// Count returns the number of live items of a download
func (r *Registry) Count(downloadID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items[downloadID])
}

// Total returns the number of live items across all downloads
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, files := range r.items {
		n += len(files)
	}
	return n
}

// PauseItem pauses one item, or every item of the download when
// filename is empty. It returns how many handles were addressed.
func (r *Registry) PauseItem(downloadID, filename string) int {
	return r.apply(downloadID, filename, false, "pause", transfer.Handle.Pause)
}

// ResumeItem resumes one item, or every item of the download when
// filename is empty.
func (r *Registry) ResumeItem(downloadID, filename string) int {
	return r.apply(downloadID, filename, false, "resume", transfer.Handle.Resume)
}

// CancelItem cancels and forgets one item, or every item of the download
// when filename is empty.
func (r *Registry) CancelItem(downloadID, filename string) int {
	return r.apply(downloadID, filename, true, "cancel", transfer.Handle.Cancel)
}

// PauseAll pauses every live handle and keeps them registered. It is
// used when the process stops.
func (r *Registry) PauseAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		n += r.PauseItem(id, "")
	}
	return n
}

// apply snapshots the matching handles under the lock and invokes op
// outside it. Unregistered items are a no-op.
func (r *Registry) apply(downloadID, filename string, remove bool, name string, op func(transfer.Handle) error) int {
	targets := make(map[itemKey]transfer.Handle)

	r.mu.Lock()
	files := r.items[downloadID]
	for fn, h := range files {
		if filename == "" || fn == filename {
			targets[itemKey{downloadID, fn}] = h
			if remove {
				delete(files, fn)
			}
		}
	}
	if remove && len(files) == 0 {
		delete(r.items, downloadID)
	}
	r.mu.Unlock()

	for key, h := range targets {
		if err := op(h); err != nil {
			r.log.WithFields(map[string]interface{}{
				"download_id": key.downloadID,
				"filename":    key.filename,
			}).WithError(err).Warnf("failed to %s transfer", name)
		}
	}
	return len(targets)
}
