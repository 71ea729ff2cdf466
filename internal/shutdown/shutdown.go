// Package shutdown runs registered hooks in priority order when the
// process is asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/earthdata-download/edd/internal/logger"
)

// Hook is called once during shutdown
type Hook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (stop accepting commands)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (stop transfers and discovery)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (close the store)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (flush logs)
	PriorityLow HookPriority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority HookPriority
}

// Manager manages graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	log      *logger.Logger
	sigChan  chan os.Signal
	stopChan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// NewManager creates a manager giving each hook at most timeout
func NewManager(timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		timeout:  timeout,
		log:      log,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Register adds a hook. Hooks of equal priority run in registration order.
func (m *Manager) Register(name string, hook Hook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	m.log.WithFields(map[string]interface{}{
		"hook":     name,
		"priority": int(priority),
	}).Debug("registered shutdown hook")
}

// Start begins listening for SIGINT and SIGTERM
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()

	select {
	case sig := <-m.sigChan:
		m.log.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-m.stopChan:
		m.log.Info("shutdown requested")
	}
	signal.Stop(m.sigChan)
	m.performShutdown()
}

// performShutdown executes every hook in priority order, once
func (m *Manager) performShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := make([]registeredHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })

	m.log.Info("graceful shutdown started")
	for _, h := range hooks {
		m.runHook(h)
	}
	m.log.Info("graceful shutdown complete")
	close(m.done)
}

func (m *Manager) runHook(h registeredHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	log := m.log.WithField("hook", h.name)
	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("shutdown hook failed")
			return
		}
		log.Debug("shutdown hook completed")
	case <-ctx.Done():
		log.WithField("timeout", m.timeout.String()).Error("shutdown hook timed out")
	}
}

// Stop triggers graceful shutdown programmatically. Without Start it runs
// the hooks on the calling goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if !started {
		m.performShutdown()
		return
	}
	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Done is closed once every hook has run
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown is complete
func (m *Manager) Wait() {
	m.wg.Wait()
}
