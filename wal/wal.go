// Package wal is an append-only JSON-lines audit log of every power command,
// prune and membership change.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of WAL entry
type EntryType string

const (
	EntryCommand    EntryType = "command"
	EntryPrune      EntryType = "prune"
	EntryMembership EntryType = "membership"
	EntryDowntime   EntryType = "downtime"
	EntryTick       EntryType = "tick"
)

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Group     string          `json:"group,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the default WAL configuration
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "dormant",
		MaxFileSize:   64 << 20,
		RetentionDays: 30,
	}
}

// WAL provides write-ahead audit logging
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	written  int64
	rotation int
	dir      string
	config   Config
	now      func() time.Time
}

// Open creates or opens a WAL in the specified directory
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a WAL with explicit configuration
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		config: config,
		now:    time.Now,
	}
	w.loadSequence()

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Dir returns the WAL directory
func (w *WAL) Dir() string {
	return w.dir
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, group, actor string, data interface{}) error {
	return w.append(entryType, group, actor, data, nil)
}

// AppendError adds an entry carrying a failure to the WAL
func (w *WAL) AppendError(entryType EntryType, group, actor string, data interface{}, errToLog error) error {
	return w.append(entryType, group, actor, data, errToLog)
}

func (w *WAL) append(entryType EntryType, group, actor string, data interface{}, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp: w.now(),
		Sequence:  w.sequence,
		Type:      entryType,
		Group:     group,
		Actor:     actor,
		Data:      jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if err := w.writeEntry(entry); err != nil {
		return err
	}
	if w.shouldRotate() {
		return w.rotate()
	}
	return nil
}

// writeEntry writes a single entry to the WAL
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	w.written += int64(len(line))

	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	return w.written >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.rotation++
	return w.openFile()
}

func (w *WAL) openFile() error {
	// Timestamp plus rotation counter keeps names unique and ordered
	filename := fmt.Sprintf("%s-%s-%04d.wal", w.config.FilePrefix, w.now().UTC().Format("20060102-150405"), w.rotation)
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.written = info.Size()
	return nil
}

// loadSequence continues numbering after the highest sequence on disk
func (w *WAL) loadSequence() {
	for _, file := range w.listWALFiles() {
		if seq := summarizeFile(file).maxSeq; seq > w.sequence {
			w.sequence = seq
		}
	}
}

// listWALFiles returns the WAL files of the directory, oldest first
func (w *WAL) listWALFiles() []string {
	return listFiles(w.dir, w.config.FilePrefix)
}

func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
