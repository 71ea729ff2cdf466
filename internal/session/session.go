// Package session is the download state machine. It owns every state
// transition of downloads and files, applies global admission control
// and reacts to transfer events and user commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/earthdata-download/edd/internal/logger"
	"github.com/earthdata-download/edd/internal/registry"
	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/transfer"
)

var (
	// ErrDownloadClosed is returned when links arrive for a download that
	// already reached a terminal state
	ErrDownloadClosed = errors.New("download no longer accepts links")
	// ErrInvalidConcurrency rejects a concurrent download limit below one
	ErrInvalidConcurrency = errors.New("concurrent downloads must be at least 1")
)

// TransferError is recorded on a file whose transfer failed
type TransferError struct {
	DownloadID string
	Filename   string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s in %s failed: %v", e.Filename, e.DownloadID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// LinkDiscoveryError means the link list of a download could not be fetched
type LinkDiscoveryError struct {
	DownloadID string
	Err        error
}

func (e *LinkDiscoveryError) Error() string {
	return fmt.Sprintf("failed to fetch links for %s: %v", e.DownloadID, e.Err)
}

func (e *LinkDiscoveryError) Unwrap() error { return e.Err }

// Notifier receives prompts and state changes the user has to see.
// Calls are made with the session lock held and must not call back into
// the session.
type Notifier interface {
	AuthRequired(downloadID, authURL string)
	EulaRequired(downloadID, eulaURL, redirectURL string)
	DownloadFinished(downloadID string, state storage.DownloadState)
}

// NopNotifier ignores every notification
type NopNotifier struct{}

func (NopNotifier) AuthRequired(string, string)                    {}
func (NopNotifier) EulaRequired(string, string, string)            {}
func (NopNotifier) DownloadFinished(string, storage.DownloadState) {}

// TokenSetter stores the bearer token obtained by an auth flow
type TokenSetter interface {
	SetToken(ctx context.Context, token string) error
}

// Config tunes the state machine
type Config struct {
	// ProgressWriteInterval is the minimum spacing between persisted
	// progress ticks of one file
	ProgressWriteInterval time.Duration
	// ResumeOnStartup requeues files that were active when the process
	// stopped; otherwise they become INTERRUPTED
	ResumeOnStartup    bool
	AllowInsecureLinks bool
}

// Deps are the collaborators of a Session
type Deps struct {
	Store      storage.Store
	Registry   *registry.Registry
	Transferer transfer.Transferer
	Classifier Classifier
	Notifier   Notifier
	Tokens     TokenSetter
	Logger     *logger.Logger
}

// Session serializes every state transition behind one mutex
type Session struct {
	store      storage.Store
	registry   *registry.Registry
	transferer transfer.Transferer
	classifier Classifier
	notifier   Notifier
	tokens     TokenSetter
	listener   transfer.Listener
	log        *logger.Logger
	config     Config
	now        func() time.Time

	mu             sync.Mutex
	waitingForAuth map[string]bool
	waitingForEula map[string]bool
	limiters       map[fileKey]*rate.Limiter
}

type fileKey struct {
	downloadID string
	filename   string
}

// New creates a session. Deps.Store, Deps.Registry and Deps.Transferer
// are required.
func New(deps Deps, config Config) (*Session, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Transferer == nil {
		return nil, fmt.Errorf("session needs a store, a registry and a transferer")
	}
	if deps.Classifier == nil {
		deps.Classifier = NewPatternClassifier(nil, nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}

	s := &Session{
		store:          deps.Store,
		registry:       deps.Registry,
		transferer:     deps.Transferer,
		classifier:     deps.Classifier,
		notifier:       deps.Notifier,
		tokens:         deps.Tokens,
		log:            deps.Logger,
		config:         config,
		now:            func() time.Time { return time.Now().UTC() },
		waitingForAuth: make(map[string]bool),
		waitingForEula: make(map[string]bool),
		limiters:       make(map[fileKey]*rate.Limiter),
	}
	s.listener = directListener{s: s}
	return s, nil
}

// SetListener replaces the listener handed to new transfers. The gateway
// installs its own adapter here.
func (s *Session) SetListener(l transfer.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Listener returns a transfer listener that feeds events straight into
// the session
func (s *Session) Listener() transfer.Listener {
	return directListener{s: s}
}

// Store exposes the backing store for read-only callers
func (s *Session) Store() storage.Store {
	return s.store
}

// WaitingForAuth lists downloads with an outstanding login prompt
func (s *Session) WaitingForAuth() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.waitingForAuth)
}

// WaitingForEula lists downloads with an outstanding license prompt
func (s *Session) WaitingForEula() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.waitingForEula)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Reconcile repairs the store after a restart: the registry is empty, so
// nothing can be ACTIVE. It then rebuilds the prompt sets and admits work.
func (s *Session) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileState := storage.FilePending
	downloadState := storage.DownloadActive
	if !s.config.ResumeOnStartup {
		fileState = storage.FileInterrupted
		downloadState = storage.DownloadInterrupted
	}

	n, err := s.store.UpdateFilesWhere(ctx,
		storage.FileFilter{States: []storage.FileState{storage.FileActive}},
		storage.Fields{"state": fileState})
	if err != nil {
		return err
	}
	if !s.config.ResumeOnStartup {
		if _, err := s.store.UpdateDownloadsWhereIn(ctx,
			storage.WhereIn{Column: "state", Values: []interface{}{storage.DownloadActive}},
			storage.Fields{"state": downloadState}); err != nil {
			return err
		}
	}

	waiting, err := s.store.ListDownloads(ctx, storage.DownloadFilter{
		States:   []storage.DownloadState{storage.DownloadWaitingForAuth, storage.DownloadWaitingForEula},
		OrderAsc: true,
	})
	if err != nil {
		return err
	}
	for _, d := range waiting {
		if d.State == storage.DownloadWaitingForAuth {
			s.waitingForAuth[d.ID] = true
			s.notifier.AuthRequired(d.ID, d.AuthURL)
		} else {
			s.waitingForEula[d.ID] = true
			s.notifier.EulaRequired(d.ID, d.EulaURL, d.EulaRedirectURL)
		}
	}

	s.log.WithFields(map[string]interface{}{
		"files":      n,
		"file_state": fileState,
		"waiting":    len(waiting),
	}).Info("reconciled downloads after startup")

	return s.admitLocked(ctx)
}

// Suspend pauses every live transfer without touching the store. Files
// stay ACTIVE and the next Reconcile requeues them.
func (s *Session) Suspend() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.registry.PauseAll()
	s.log.Infof("suspended %d transfers", n)
	return n
}

// limiter returns the progress write limiter of a file
func (s *Session) limiter(key fileKey) *rate.Limiter {
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.config.ProgressWriteInterval), 1)
		s.limiters[key] = l
	}
	return l
}

// forgetDownload drops per-download bookkeeping
func (s *Session) forgetDownload(downloadID string) {
	delete(s.waitingForAuth, downloadID)
	delete(s.waitingForEula, downloadID)
	for key := range s.limiters {
		if key.downloadID == downloadID {
			delete(s.limiters, key)
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
