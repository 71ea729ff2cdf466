package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/earthdata-download/edd/internal/links"
	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/session"
	"github.com/earthdata-download/edd/internal/storage"
)

// Discoverer walks every link page of a download into sink
type Discoverer interface {
	Discover(ctx context.Context, downloadID, getLinksURL, token string, sink links.Sink) error
}

type discoveryRun struct {
	cancel context.CancelFunc
}

type discovery struct {
	client Discoverer
	sink   links.Sink
	log    *logger.Logger

	mu      sync.Mutex
	running map[string]*discoveryRun
	wg      sync.WaitGroup
	closed  bool
}

func newDiscovery(client Discoverer, sink links.Sink, log *logger.Logger) *discovery {
	return &discovery{
		client:  client,
		sink:    sink,
		log:     log,
		running: make(map[string]*discoveryRun),
	}
}

// start launches a walk unless one is already running for the download
func (d *discovery) start(downloadID, getLinksURL, token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if _, ok := d.running[downloadID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &discoveryRun{cancel: cancel}
	d.running[downloadID] = run

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		log := d.log.WithField("download_id", downloadID)
		err := d.client.Discover(ctx, downloadID, getLinksURL, token, d.sink)
		switch {
		case err == nil:
			log.Debug("link discovery complete")
		case errors.Is(err, context.Canceled):
			log.Debug("link discovery stopped")
		case errors.Is(err, session.ErrDownloadClosed), errors.Is(err, storage.ErrNotFound):
			log.Debug("download closed during link discovery")
		default:
			log.WithError(err).Warn("link discovery ended with error")
		}

		d.mu.Lock()
		if d.running[downloadID] == run {
			delete(d.running, downloadID)
		}
		d.mu.Unlock()
	}()
	return true
}

// stop cancels the walk of a download, if any
func (d *discovery) stop(downloadID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if run, ok := d.running[downloadID]; ok {
		run.cancel()
		delete(d.running, downloadID)
	}
}

// stopAll cancels every walk without closing the runner
func (d *discovery) stopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, run := range d.running {
		run.cancel()
		delete(d.running, id)
	}
}

func (d *discovery) isRunning(downloadID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[downloadID]
	return ok
}

// close cancels every walk and waits for them, bounded by ctx
func (d *discovery) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for id, run := range d.running {
		run.cancel()
		delete(d.running, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
