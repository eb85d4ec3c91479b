package reader

import (
	"context"
	"testing"
	"time"

	"securereader/pkg/domain"
)

func TestRapidSavesCoalesceToLatestPage(t *testing.T) {
	broker := newFakeBroker()
	tracker := NewProgressTracker(broker, "c1", 120, nil, WithSaveDebounce(30*time.Millisecond))

	tracker.Save(3)
	tracker.Save(5)
	tracker.Save(4)

	waitFor(t, func() bool { return len(broker.saved()) == 1 })
	if saved := broker.saved(); saved[0] != 4 {
		t.Fatalf("persisted pages = %v, want [4]", saved)
	}
	if tracker.LastSaved() != 4 {
		t.Fatalf("last saved = %d, want 4", tracker.LastSaved())
	}
}

func TestFlushWinsOverPendingDebounce(t *testing.T) {
	broker := newFakeBroker()
	tracker := NewProgressTracker(broker, "c1", 120, nil, WithSaveDebounce(time.Hour))

	tracker.Save(9)
	if err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if saved := broker.saved(); len(saved) != 1 || saved[0] != 9 {
		t.Fatalf("persisted pages = %v, want [9]", saved)
	}

	// Nothing pending afterward; the debounce was cancelled.
	time.Sleep(30 * time.Millisecond)
	if saved := broker.saved(); len(saved) != 1 {
		t.Fatalf("persisted pages = %v, want exactly one write", saved)
	}
}

func TestStaleSaveDoesNotOverwriteLaterPage(t *testing.T) {
	broker := newFakeBroker()
	tracker := NewProgressTracker(broker, "c1", 120, nil, WithSaveDebounce(time.Hour))

	tracker.Save(20)
	if err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	// A stale page arriving later must be skipped, not written.
	tracker.Save(12)
	if err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	if saved := broker.saved(); len(saved) != 1 || saved[0] != 20 {
		t.Fatalf("persisted pages = %v, want [20]", saved)
	}
	if tracker.LastSaved() != 20 {
		t.Fatalf("last saved = %d, want 20", tracker.LastSaved())
	}
}

func TestInitialPageAndResumePrompt(t *testing.T) {
	broker := newFakeBroker()
	tracker := NewProgressTracker(broker, "c1", 120, nil)

	page, resume, err := tracker.InitialPage(context.Background())
	if err != nil {
		t.Fatalf("InitialPage: %v", err)
	}
	if page != 1 || resume {
		t.Fatalf("fresh content: page=%d resume=%v, want 1/false", page, resume)
	}

	broker.mu.Lock()
	broker.progress = domain.ReadingProgress{ContentID: "c1", CurrentPage: 57, TotalPages: 120}
	broker.mu.Unlock()

	page, resume, err = tracker.InitialPage(context.Background())
	if err != nil {
		t.Fatalf("InitialPage: %v", err)
	}
	if page != 57 || !resume {
		t.Fatalf("resumed content: page=%d resume=%v, want 57/true", page, resume)
	}
}

func TestCloseFlushesPending(t *testing.T) {
	broker := newFakeBroker()
	tracker := NewProgressTracker(broker, "c1", 120, nil, WithSaveDebounce(time.Hour))

	tracker.Save(33)
	if err := tracker.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if saved := broker.saved(); len(saved) != 1 || saved[0] != 33 {
		t.Fatalf("persisted pages = %v, want [33]", saved)
	}

	// Saves after close are ignored.
	tracker.Save(40)
	if err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("flush after close: %v", err)
	}
	if saved := broker.saved(); len(saved) != 1 {
		t.Fatalf("persisted pages = %v, want no writes after close", saved)
	}
}
