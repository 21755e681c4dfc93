package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var runtimeHeader = []string{"run_id", "dataset", "fold", "epsilon", "runtime_seconds"}

// RuntimeEntry is one row of a runtime log.
type RuntimeEntry struct {
	RunID   string
	Dataset string
	Fold    int
	Epsilon float64
	Runtime time.Duration
}

// RuntimeLog appends run durations to a CSV file shared by concurrent writers.
type RuntimeLog struct {
	path string
	mu   sync.Mutex
}

// NewRuntimeLog returns a log writing to path. The file is created on first append.
func NewRuntimeLog(path string) *RuntimeLog {
	return &RuntimeLog{path: path}
}

// Path returns the file the log writes to.
func (rl *RuntimeLog) Path() string { return rl.path }

// Append writes one row, preceded by the header when this call created the file.
// Each row goes out in a single write on an O_APPEND descriptor.
func (rl *RuntimeLog) Append(entry RuntimeEntry) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(rl.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rl.path, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	f, err := os.OpenFile(rl.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	switch {
	case err == nil:
		if err := w.Write(runtimeHeader); err != nil {
			f.Close()
			return err
		}
	case os.IsExist(err):
		f, err = os.OpenFile(rl.path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open runtime log %s: %w", rl.path, err)
		}
	default:
		return fmt.Errorf("failed to create runtime log %s: %w", rl.path, err)
	}
	defer f.Close()

	if err := w.Write([]string{
		entry.RunID,
		entry.Dataset,
		strconv.Itoa(entry.Fold),
		strconv.FormatFloat(entry.Epsilon, 'f', 1, 64),
		strconv.FormatFloat(entry.Runtime.Seconds(), 'f', 3, 64),
	}); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to runtime log %s: %w", rl.path, err)
	}
	return nil
}

// RuntimeLogName returns the per dataset and epsilon file name of the experiment
// runtime log.
func RuntimeLogName(pattern, dataset string, epsilon float64) string {
	return fmt.Sprintf(pattern, dataset, epsilon)
}
