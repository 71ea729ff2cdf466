package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthdata-download/edd/internal/logger"
)

type fakeHandle struct {
	mu      sync.Mutex
	paused  int
	resumed int
	cancels int
	failOn  string
}

func (h *fakeHandle) Pause() error  { return h.bump(&h.paused, "pause") }
func (h *fakeHandle) Resume() error { return h.bump(&h.resumed, "resume") }
func (h *fakeHandle) Cancel() error { return h.bump(&h.cancels, "cancel") }

func (h *fakeHandle) bump(counter *int, op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*counter++
	if h.failOn == op {
		return errors.New(op + " failed")
	}
	return nil
}

func TestRegistryAddGetRemove(t *testing.T) {
	reg := New(logger.Discard())
	h := &fakeHandle{}

	reg.AddItem("D1", "a.png", h)
	got, ok := reg.GetItem("D1", "a.png")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, reg.Count("D1"))
	assert.Equal(t, 1, reg.Total())

	reg.RemoveItem("D1", "a.png")
	_, ok = reg.GetItem("D1", "a.png")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Total())

	// unknown keys are ignored
	reg.RemoveItem("D1", "a.png")
	reg.RemoveItem("nope", "x")
}

func TestRegistryBulkOperations(t *testing.T) {
	reg := New(logger.Discard())
	a, b, other := &fakeHandle{}, &fakeHandle{}, &fakeHandle{}
	reg.AddItem("D1", "a.png", a)
	reg.AddItem("D1", "b.png", b)
	reg.AddItem("D2", "c.png", other)

	assert.Equal(t, 2, reg.PauseItem("D1", ""))
	assert.Equal(t, 1, a.paused)
	assert.Equal(t, 1, b.paused)
	assert.Equal(t, 0, other.paused)

	assert.Equal(t, 1, reg.ResumeItem("D1", "b.png"))
	assert.Equal(t, 0, a.resumed)
	assert.Equal(t, 1, b.resumed)

	assert.Equal(t, 2, reg.CancelItem("D1", ""))
	assert.Equal(t, 0, reg.Count("D1"))
	assert.Equal(t, 1, reg.Total())
}

func TestRegistryPauseAll(t *testing.T) {
	reg := New(logger.Discard())
	a, b := &fakeHandle{}, &fakeHandle{}
	reg.AddItem("D1", "a.png", a)
	reg.AddItem("D2", "b.png", b)

	assert.Equal(t, 2, reg.PauseAll())
	assert.Equal(t, 1, a.paused)
	assert.Equal(t, 1, b.paused)
	assert.Equal(t, 2, reg.Total(), "paused handles stay registered")

	assert.Equal(t, 0, New(logger.Discard()).PauseAll())
}

func TestRegistryUnknownItemsAreNoOps(t *testing.T) {
	reg := New(logger.Discard())

	assert.Equal(t, 0, reg.PauseItem("D1", "a.png"))
	assert.Equal(t, 0, reg.ResumeItem("D1", ""))
	assert.Equal(t, 0, reg.CancelItem("D1", "a.png"))

	// a second cancel after removal is also harmless
	h := &fakeHandle{}
	reg.AddItem("D1", "a.png", h)
	assert.Equal(t, 1, reg.CancelItem("D1", "a.png"))
	assert.Equal(t, 0, reg.CancelItem("D1", "a.png"))
	assert.Equal(t, 1, h.cancels)
}

func TestRegistryHandleErrorsAreSwallowed(t *testing.T) {
	reg := New(logger.Discard())
	reg.AddItem("D1", "a.png", &fakeHandle{failOn: "pause"})
	assert.Equal(t, 1, reg.PauseItem("D1", "a.png"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := New(logger.Discard())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a'+i%26)) + ".png"
			reg.AddItem("D1", name, &fakeHandle{})
			reg.PauseItem("D1", name)
			reg.GetItem("D1", name)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 26, reg.Count("D1"))
}
