package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobLog is one structured record emitted by a worker when a job reaches
// DONE or FAILED -- spec.md §6 "Optional: a trace log per completed job
// for post-mortem."
type JobLog struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      int64     `json:"job_id"`
	Image      string    `json:"image"`
	VM         string    `json:"vm,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	FinalState string    `json:"final_state"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	OutputSize int       `json:"output_size,omitempty"`
}

// Logger handles per-job logging, separate from the operational logger
// (Op()) used for daemon/infrastructure messages.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default per-job logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a job log entry.
func (l *Logger) Log(entry *JobLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[job] %s %d %s %s %dms%s\n",
			status, entry.JobID, entry.Image, entry.FinalState, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[job]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
