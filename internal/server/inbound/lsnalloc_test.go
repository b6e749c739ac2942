package inbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

func TestAllocatorMonotonic(t *testing.T) {
	a := NewAllocator(1, 0)
	first := a.Next()
	second := a.Next()
	if first.Major != 1 || first.Minor != 1 {
		t.Fatalf("expected 1/1, got %s", first)
	}
	if second.Minor != 2 {
		t.Fatalf("expected minor to advance to 2, got %s", second)
	}
}

func TestAllocatorResumesFromGivenMinor(t *testing.T) {
	a := NewAllocator(3, 40)
	next := a.Next()
	if next.Major != 3 || next.Minor != 41 {
		t.Fatalf("expected 3/41, got %s", next)
	}
}

func TestAllocatorCurrentDoesNotAdvance(t *testing.T) {
	a := NewAllocator(1, 5)
	before := a.Current()
	after := a.Current()
	if before != after {
		t.Fatalf("Current should be idempotent, got %s then %s", before, after)
	}
}

// recordingMarker is a Marker that records every LSN it is asked to
// mark, guarded by a mutex since Next reports to it from a goroutine.
type recordingMarker struct {
	mu   sync.Mutex
	seen []lsn.LSN
}

func (m *recordingMarker) Mark(_ context.Context, at lsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, at)
	return nil
}

func (m *recordingMarker) marked(at lsn.LSN) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.seen {
		if s == at {
			return true
		}
	}
	return false
}

func TestAllocatorReportsEachAllocationToMarker(t *testing.T) {
	a := NewAllocator(1, 0)
	marker := &recordingMarker{}
	a.SetMarker(marker)

	first := a.Next()
	second := a.Next()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if marker.marked(first) && marker.marked(second) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected marker to observe both %s and %s", first, second)
}

func TestAllocatorWithoutMarkerDoesNotPanic(t *testing.T) {
	a := NewAllocator(1, 0)
	a.Next()
}
