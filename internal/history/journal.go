// Package history journals bridge status and badge changes as JSON lines
// under date-named directories.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultBufferSize = 256
	defaultMaxSizeMB  = 10
	fileName          = "history.jsonl"
)

var (
	errClosed     = errors.New("journal is closed")
	errBufferFull = errors.New("journal buffer full")
)

// Journal writes records asynchronously to baseDir/<UTC date>/history.jsonl.
type Journal struct {
	baseDir   string
	maxSizeMB int
	now       func() time.Time

	writeCh   chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

func NewJournal(baseDir string) *Journal {
	return newJournal(baseDir, defaultBufferSize, defaultMaxSizeMB, time.Now)
}

func newJournal(baseDir string, bufferSize, maxSizeMB int, now func() time.Time) *Journal {
	j := &Journal{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		now:       now,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Write queues a record. It never blocks; a full buffer drops the record.
func (j *Journal) Write(record any) error {
	select {
	case <-j.done:
		return errClosed
	default:
	}
	select {
	case j.writeCh <- record:
		return nil
	default:
		slog.Warn("history buffer full, dropping record", "dir", j.baseDir)
		return errBufferFull
	}
}

// Close stops the writer after flushing queued records.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger != nil {
		err := j.logger.Close()
		j.logger = nil
		return err
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case record := <-j.writeCh:
			j.writeRecord(record)
		case <-j.done:
			j.drain()
			return
		}
	}
}

func (j *Journal) drain() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case record := <-j.writeCh:
			j.writeRecord(record)
		case <-timeout:
			slog.Warn("history close timeout, some records may be lost", "dir", j.baseDir)
			return
		default:
			return
		}
	}
}

func (j *Journal) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("history marshal failed", "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := j.now().UTC().Format("2006-01-02")
	if date != j.currentDate || j.logger == nil {
		if err := j.rotateForDate(date); err != nil {
			slog.Error("history rotate failed", "error", err, "dir", j.baseDir)
			return
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("history write failed", "error", err)
	}
}

func (j *Journal) rotateForDate(date string) error {
	if j.logger != nil {
		if err := j.logger.Close(); err != nil {
			slog.Debug("history close previous file failed", "error", err)
		}
		j.logger = nil
	}

	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	filename := filepath.Join(dir, fileName)
	j.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Info("opened history file", "file", filename)
	return nil
}
