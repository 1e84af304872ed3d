package cache

import (
	"path/filepath"
	"testing"
	"time"
)

// manualClock is a settable wall clock.
type manualClock struct {
	t time.Time
}

func (c *manualClock) Now() time.Time           { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
