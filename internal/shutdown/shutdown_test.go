package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/earthdata-download/edd/internal/logger"
)

func TestManagerRunsHooksInPriorityOrder(t *testing.T) {
	m := NewManager(time.Second, logger.Discard())

	var mu sync.Mutex
	var order []string
	record := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	m.Register("logs", record("logs"), PriorityLow)
	m.Register("store", record("store"), PriorityNormal)
	m.Register("http", record("http"), PriorityCritical)
	m.Register("transfers", record("transfers"), PriorityHigh)
	m.Register("discovery", record("discovery"), PriorityHigh)
	m.Register("failing", func(context.Context) error { return errors.New("boom") }, PriorityNormal)

	m.Start()
	m.Stop()
	m.Wait()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, []string{"http", "transfers", "discovery", "store", "logs"}, order)

	// a second stop is a no-op
	m.Stop()
}

func TestManagerHookTimeout(t *testing.T) {
	m := NewManager(20*time.Millisecond, logger.Discard())

	release := make(chan struct{})
	defer close(release)
	ran := false
	m.Register("stuck", func(ctx context.Context) error {
		<-release
		return nil
	}, PriorityCritical)
	m.Register("after", func(context.Context) error {
		ran = true
		return nil
	}, PriorityLow)

	start := time.Now()
	m.Stop()
	assert.True(t, ran, "later hooks still run after a timeout")
	assert.Less(t, time.Since(start), time.Second)
}
