package cooldown

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestTracker(t *testing.T, cooldown time.Duration) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identities.json")
	return NewTracker(path, cooldown, false, testLogger()), path
}

func TestCooldownScenario(t *testing.T) {
	tr, _ := newTestTracker(t, 3600*time.Second)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return t0 }

	ok, err := tr.RecordUse("1.2.3.4", 0, false)
	if err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}

	tr.now = func() time.Time { return t0.Add(10 * time.Second) }
	ok, err = tr.RecordUse("1.2.3.4", 0, false)
	if err != nil || ok {
		t.Fatalf("use inside cooldown: ok=%v err=%v", ok, err)
	}

	tr.now = func() time.Time { return t0.Add(3601 * time.Second) }
	ok, err = tr.RecordUse("1.2.3.4", 0, false)
	if err != nil || !ok {
		t.Fatalf("use after cooldown: ok=%v err=%v", ok, err)
	}
}

func TestIsAvailable(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	t0 := time.Now()
	tr.now = func() time.Time { return t0 }

	if !tr.IsAvailable("9.9.9.9") {
		t.Fatalf("never-used identity should be available")
	}
	if _, err := tr.RecordUse("9.9.9.9", 1, false); err != nil {
		t.Fatalf("record use: %v", err)
	}
	if tr.IsAvailable("9.9.9.9") {
		t.Fatalf("identity should be cooling right after use")
	}
	tr.now = func() time.Time { return t0.Add(time.Hour) }
	if !tr.IsAvailable("9.9.9.9") {
		t.Fatalf("identity should be available once cooldown elapsed")
	}
}

func TestRejectedUseLeavesStateUntouched(t *testing.T) {
	tr, path := newTestTracker(t, time.Hour)
	t0 := time.Now()
	tr.now = func() time.Time { return t0 }

	if _, err := tr.RecordUse("5.5.5.5", 0, false); err != nil {
		t.Fatalf("record use: %v", err)
	}
	before := tr.records["5.5.5.5"]
	beforeCount, beforeUsed := before.UseCount, before.LastUsedAt

	tr.now = func() time.Time { return t0.Add(time.Minute) }
	ok, err := tr.RecordUse("5.5.5.5", 3, false)
	if err != nil || ok {
		t.Fatalf("expected rejected use, got ok=%v err=%v", ok, err)
	}
	after := tr.records["5.5.5.5"]
	if after.UseCount != beforeCount || !after.LastUsedAt.Equal(beforeUsed) {
		t.Fatalf("rejected use mutated state: before=%d/%s after=%d/%s",
			beforeCount, beforeUsed, after.UseCount, after.LastUsedAt)
	}

	// The persisted store must also be unchanged.
	reloaded := NewTracker(path, time.Hour, false, testLogger())
	reloaded.now = tr.now
	if rec := reloaded.records["5.5.5.5"]; rec.UseCount != beforeCount {
		t.Fatalf("persisted use count = %d, want %d", rec.UseCount, beforeCount)
	}
}

func TestForceOverridesCooldown(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	t0 := time.Now()
	tr.now = func() time.Time { return t0 }

	if _, err := tr.RecordUse("6.6.6.6", 0, false); err != nil {
		t.Fatalf("record use: %v", err)
	}
	ok, err := tr.RecordUse("6.6.6.6", 0, true)
	if err != nil || !ok {
		t.Fatalf("forced use: ok=%v err=%v", ok, err)
	}
	if tr.records["6.6.6.6"].UseCount != 2 {
		t.Fatalf("use count = %d, want 2", tr.records["6.6.6.6"].UseCount)
	}
}

func TestCrossRestartRoundTrip(t *testing.T) {
	tr, path := newTestTracker(t, time.Hour)
	t0 := time.Now()
	tr.now = func() time.Time { return t0 }

	identities := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
	for _, id := range identities {
		if _, err := tr.RecordUse(id, 0, false); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	fresh := NewTracker(path, time.Hour, false, testLogger())
	fresh.now = func() time.Time { return t0.Add(time.Minute) }
	tr.now = fresh.now
	for _, id := range identities {
		if fresh.IsAvailable(id) != tr.IsAvailable(id) {
			t.Fatalf("availability for %s differs across restart", id)
		}
		if fresh.IsAvailable(id) {
			t.Fatalf("%s should still be cooling after restart", id)
		}
	}
}

func TestCorruptStoreDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")
	if err := writeFile(path, "{not json"); err != nil {
		t.Fatalf("seed corrupt store: %v", err)
	}
	tr := NewTracker(path, time.Hour, false, testLogger())
	if len(tr.records) != 0 {
		t.Fatalf("corrupt store should load empty, got %d records", len(tr.records))
	}
	if !tr.IsAvailable("1.2.3.4") {
		t.Fatalf("empty tracker should report available")
	}
}

func TestAutoCleanupPurgesExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")
	tr := NewTracker(path, time.Hour, true, testLogger())
	t0 := time.Now()
	tr.now = func() time.Time { return t0 }

	if _, err := tr.RecordUse("old", 0, false); err != nil {
		t.Fatalf("record use: %v", err)
	}
	tr.now = func() time.Time { return t0.Add(3 * time.Hour) }
	if _, err := tr.RecordUse("new", 0, false); err != nil {
		t.Fatalf("record use: %v", err)
	}
	if _, ok := tr.records["old"]; ok {
		t.Fatalf("record long past cooldown should be purged")
	}
	// Purging never affects correctness: the identity is simply unknown
	// and therefore available.
	if !tr.IsAvailable("old") {
		t.Fatalf("purged identity should be available")
	}
}

func TestStatistics(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	t0 := time.Now()
	tr.now = func() time.Time { return t0 }

	_, _ = tr.RecordUse("a", 0, false)
	_, _ = tr.RecordUse("b", 0, false)
	tr.now = func() time.Time { return t0.Add(2 * time.Hour) }
	_, _ = tr.RecordUse("c", 0, false)

	stats := tr.Statistics()
	if stats.Total != 3 || stats.Cooling != 1 {
		t.Fatalf("stats = %+v, want total=3 cooling=1", stats)
	}
	unavailable := tr.Unavailable()
	if len(unavailable) != 1 {
		t.Fatalf("unavailable = %v, want only c", unavailable)
	}
	if _, ok := unavailable["c"]; !ok {
		t.Fatalf("expected c cooling, got %v", unavailable)
	}
}
