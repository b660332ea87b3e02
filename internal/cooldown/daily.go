package cooldown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Attempt is one recorded use of an identity against a job.
type Attempt struct {
	Identity  string    `json:"identity"`
	JobRef    string    `json:"job_ref"`
	Attempt   int       `json:"attempt_number"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

type dailyRecord struct {
	Date     string    `json:"date"`
	Attempts []Attempt `json:"attempts"`
}

// DailyLog layers a same-day exclusion set on top of the time-based
// cooldown: an identity that failed today stays excluded for the rest of
// the calendar date even once its cooldown elapses. The record is replaced,
// not merged, on date rollover.
type DailyLog struct {
	mu   sync.Mutex
	path string
	rec  dailyRecord
	log  *logrus.Logger
	now  func() time.Time
}

// NewDailyLog loads today's record from path, discarding any record from a
// previous date. Corrupt state degrades to empty with a warning.
func NewDailyLog(path string, log *logrus.Logger) *DailyLog {
	d := &DailyLog{path: path, log: log, now: time.Now}
	d.rec = dailyRecord{Date: d.now().Format(dateLayout)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("daily failure store unreadable, starting empty")
		}
		return d
	}
	var loaded dailyRecord
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.WithError(err).Warn("daily failure store corrupt, starting empty")
		return d
	}
	if loaded.Date == d.rec.Date {
		d.rec = loaded
	}
	return d
}

// RecordAttempt appends one attempt to today's record and persists it.
func (d *DailyLog) RecordAttempt(identity, jobRef string, attempt int, success bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rolloverLocked()
	d.rec.Attempts = append(d.rec.Attempts, Attempt{
		Identity:  identity,
		JobRef:    jobRef,
		Attempt:   attempt,
		Success:   success,
		Timestamp: d.now(),
	})
	if err := d.persistLocked(); err != nil {
		return fmt.Errorf("persist daily failure store: %w", err)
	}
	return nil
}

// HasFailedToday reports whether the identity had a failed attempt today.
func (d *DailyLog) HasFailedToday(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rolloverLocked()
	for _, a := range d.rec.Attempts {
		if a.Identity == identity && !a.Success {
			return true
		}
	}
	return false
}

// FailedIdentities returns today's exclusion set.
func (d *DailyLog) FailedIdentities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rolloverLocked()
	seen := make(map[string]bool)
	var out []string
	for _, a := range d.rec.Attempts {
		if !a.Success && !seen[a.Identity] {
			seen[a.Identity] = true
			out = append(out, a.Identity)
		}
	}
	return out
}

func (d *DailyLog) rolloverLocked() {
	today := d.now().Format(dateLayout)
	if d.rec.Date != today {
		d.rec = dailyRecord{Date: today}
	}
}

func (d *DailyLog) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d.rec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".tmp")
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
	return os.Rename(tmp.Name(), d.path)
}
