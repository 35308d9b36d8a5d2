package mirror

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func openWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(Options{Root: t.TempDir(), DebounceWindow: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("open workspace failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitForCount(t *testing.T, what string, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s: have %d, want %d", what, counter.Load(), want)
}

func TestApplyRoundTrip(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)

	if err := f.Apply(json.RawMessage(`["a","b"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	got, err := f.Contents()
	if err != nil {
		t.Fatalf("contents failed: %v", err)
	}
	if string(got) != `["a","b"]` {
		t.Fatalf("unexpected contents %s", got)
	}
}

func TestApplyNilSnapshotWritesNull(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)
	if err := f.Apply(nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	got, err := f.Contents()
	if err != nil {
		t.Fatalf("contents failed: %v", err)
	}
	if string(got) != "null" {
		t.Fatalf("expected null snapshot, got %s", got)
	}
}

func TestSelfWritesDoNotReportChanges(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)
	var changes atomic.Int64
	f.SetOnChange(func() { changes.Add(1) })

	for i := 0; i < 3; i++ {
		if err := f.Apply(json.RawMessage(`["rev"]`)); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	if err := f.Apply(json.RawMessage(`["rev-2"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := changes.Load(); got != 0 {
		t.Fatalf("snapshot applications reported %d changes, want 0", got)
	}
}

func TestUserEditReportsChange(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)
	var changes atomic.Int64
	f.SetOnChange(func() { changes.Add(1) })
	if err := f.Apply(json.RawMessage(`["remote"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := os.WriteFile(f.path, []byte(`["remote","user"]`), 0o644); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	waitForCount(t, "user edit", &changes, 1)
	got, err := f.Contents()
	if err != nil {
		t.Fatalf("contents failed: %v", err)
	}
	if string(got) != `["remote","user"]` {
		t.Fatalf("unexpected contents %s", got)
	}

	// The edit's hash is now tracked; applying the same content back (the
	// server echoing our update) must not report again.
	if err := f.Apply(json.RawMessage(`["remote","user"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if changes.Load() != 1 {
		t.Fatalf("echoed snapshot reported a change")
	}
}

func TestMidSaveStateIsIgnored(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)
	var changes atomic.Int64
	f.SetOnChange(func() { changes.Add(1) })
	if err := f.Apply(json.RawMessage(`["remote"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// A truncated editor save is not a change; the completed one is.
	if err := os.WriteFile(f.path, []byte(`["remote","us`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if changes.Load() != 0 {
		t.Fatalf("partial save must not report a change")
	}
	if err := os.WriteFile(f.path, []byte(`["remote","user"]`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitForCount(t, "completed save", &changes, 1)
}

func TestContentsRejectsMangledFile(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)
	if err := os.WriteFile(f.path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := f.Contents(); err == nil {
		t.Fatalf("expected error for non-JSON mirror file")
	}
}

func TestForgetStopsChangeReports(t *testing.T) {
	w := openWorkspace(t)
	f := w.Document(7)
	var changes atomic.Int64
	f.SetOnChange(func() { changes.Add(1) })
	if err := f.Apply(json.RawMessage(`["remote"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	w.Forget(7)
	if err := os.WriteFile(f.path, []byte(`["after"]`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if changes.Load() != 0 {
		t.Fatalf("forgotten document still reported changes")
	}
}

func TestDocumentIsStablePerID(t *testing.T) {
	w := openWorkspace(t)
	if w.Document(7) != w.Document(7) {
		t.Fatalf("expected the same tracking entry per document id")
	}
	if w.Document(7) == w.Document(8) {
		t.Fatalf("expected distinct entries per document id")
	}
}
