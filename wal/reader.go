package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Reader provides WAL replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a WAL reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	return &Reader{
		scanner: scanner,
		file:    file,
	}, nil
}

// Next reads the next entry from the WAL
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Filter selects entries during replay. Zero fields match everything.
type Filter struct {
	Since time.Time
	Types []EntryType
	Group string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Entry) bool {
	if !e.Timestamp.After(f.Since) {
		return false
	}
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Replay replays WAL entries written after since, oldest file first
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig replays the files matching config.FilePrefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	return ReplayFiltered(dir, config, Filter{Since: since}, handler)
}

// ReplayFiltered replays only the entries matching filter.
func ReplayFiltered(dir string, config Config, filter Filter, handler func(*Entry) error) error {
	for _, file := range listFiles(dir, config.FilePrefix) {
		if err := replayFile(file, filter, handler); err != nil {
			return fmt.Errorf("replay %s: %w", filepath.Base(file), err)
		}
	}
	return nil
}

func replayFile(path string, filter Filter, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !filter.Match(entry) {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}
