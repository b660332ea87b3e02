package cooldown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transcript-notes-pipeline/internal/telemetry"
)

// Record tracks usage of one exit identity.
type Record struct {
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	UseCount     int       `json:"use_count"`
	LastWorkerID int       `json:"last_worker_id"`
}

// Stats is a read-only snapshot for observability.
type Stats struct {
	Total    int           `json:"total"`
	Cooling  int           `json:"cooling"`
	Cooldown time.Duration `json:"cooldown_ns"`
}

// Tracker answers whether an exit identity is safe to reuse and persists
// that state across restarts. One mutex serializes every
// read-modify-write-persist sequence; concurrent writers in other processes
// are not supported.
type Tracker struct {
	mu          sync.Mutex
	path        string
	cooldown    time.Duration
	autoCleanup bool
	records     map[string]*Record
	log         *logrus.Logger
	now         func() time.Time
}

// NewTracker loads the store at path, or starts empty. An unreadable or
// corrupt store degrades to empty state with a warning rather than failing:
// a temporary cooldown-enforcement gap beats refusing to start.
func NewTracker(path string, cooldown time.Duration, autoCleanup bool, log *logrus.Logger) *Tracker {
	t := &Tracker{
		path:        path,
		cooldown:    cooldown,
		autoCleanup: autoCleanup,
		records:     make(map[string]*Record),
		log:         log,
		now:         time.Now,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("cooldown store unreadable, starting empty")
		}
		return t
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		log.WithError(err).Warn("cooldown store corrupt, starting empty")
		t.records = make(map[string]*Record)
	}
	return t
}

// IsAvailable reports whether the identity is outside its cooldown window.
// Unknown identities are available.
func (t *Tracker) IsAvailable(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availableLocked(identity)
}

func (t *Tracker) availableLocked(identity string) bool {
	rec, ok := t.records[identity]
	if !ok {
		return true
	}
	return t.now().Sub(rec.LastUsedAt) >= t.cooldown
}

// RecordUse marks the identity as used now. Inside the cooldown window it is
// a no-op returning false unless force is set. The whole map is persisted
// atomically before returning.
func (t *Tracker) RecordUse(identity string, workerID int, force bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !force && !t.availableLocked(identity) {
		return false, nil
	}

	now := t.now()
	rec, ok := t.records[identity]
	if !ok {
		rec = &Record{FirstSeenAt: now}
		t.records[identity] = rec
	}
	rec.LastUsedAt = now
	rec.UseCount++
	rec.LastWorkerID = workerID

	if t.autoCleanup {
		t.purgeExpiredLocked()
	}
	if err := t.persistLocked(); err != nil {
		return true, fmt.Errorf("persist cooldown store: %w", err)
	}
	t.updateGaugeLocked()
	return true, nil
}

// Unavailable returns cooling identities mapped to their remaining wait.
func (t *Tracker) Unavailable() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Duration)
	now := t.now()
	for id, rec := range t.records {
		if remaining := t.cooldown - now.Sub(rec.LastUsedAt); remaining > 0 {
			out[id] = remaining
		}
	}
	return out
}

// Statistics returns a snapshot of tracker state.
func (t *Tracker) Statistics() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	cooling := 0
	for id := range t.records {
		if !t.availableLocked(id) {
			cooling++
		}
	}
	return Stats{Total: len(t.records), Cooling: cooling, Cooldown: t.cooldown}
}

// purgeExpiredLocked drops records long past cooldown. Purging is an
// optimization only; availability is always recomputed from the timestamp.
func (t *Tracker) purgeExpiredLocked() {
	cutoff := t.now().Add(-2 * t.cooldown)
	for id, rec := range t.records {
		if rec.LastUsedAt.Before(cutoff) {
			delete(t.records, id)
		}
	}
}

// persistLocked serializes the whole map to a temp file and atomically
// renames it over the real path, so no reader ever observes a partial write.
func (t *Tracker) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), filepath.Base(t.path)+".tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path)
}

func (t *Tracker) updateGaugeLocked() {
	cooling := 0
	for id := range t.records {
		if !t.availableLocked(id) {
			cooling++
		}
	}
	telemetry.CoolingGauge.Set(float64(cooling))
}
