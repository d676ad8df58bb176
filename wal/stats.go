package wal

import (
	"encoding/json"
	"path/filepath"
	"time"
)

// Stats represents WAL statistics
type Stats struct {
	// File statistics
	TotalFiles      int
	TotalSizeBytes  int64
	OldestFile      time.Time
	NewestFile      time.Time
	CurrentFileSize int64

	// Sequence statistics
	SequenceCount int64
	FirstSequence int64
	LastSequence  int64

	WritesPerFile map[string]int
	EntriesByType map[EntryType]int
}

// GetStats returns current WAL statistics
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := w.listWALFiles()
	stats := statsForFiles(files)
	stats.LastSequence = w.sequence
	stats.CurrentFileSize = w.written
	stats.SequenceCount = sequenceCount(stats.FirstSequence, stats.LastSequence, len(files))
	return stats
}

// GetStatsFromDir returns statistics for a WAL directory (no active WAL needed)
func GetStatsFromDir(dir string, config Config) Stats {
	files := listFiles(dir, config.FilePrefix)
	stats := statsForFiles(files)
	stats.SequenceCount = sequenceCount(stats.FirstSequence, stats.LastSequence, len(files))
	return stats
}

func statsForFiles(files []string) Stats {
	stats := Stats{
		TotalFiles:    len(files),
		WritesPerFile: make(map[string]int, len(files)),
		EntriesByType: make(map[EntryType]int),
	}
	if len(files) == 0 {
		return stats
	}
	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for i, file := range files {
		sum := summarizeFile(file)
		if i == 0 {
			stats.FirstSequence = sum.firstSeq
		}
		if sum.maxSeq > stats.LastSequence {
			stats.LastSequence = sum.maxSeq
		}
		stats.WritesPerFile[filepath.Base(file)] = sum.entries
		for t, n := range sum.byType {
			stats.EntriesByType[t] += n
		}
	}
	return stats
}

func sequenceCount(first, last int64, files int) int64 {
	if files == 0 || first == 0 || last < first {
		return 0
	}
	return last - first + 1
}

type fileSummary struct {
	entries  int
	firstSeq int64
	maxSeq   int64
	byType   map[EntryType]int
}

// summarizeFile scans one file in a single pass. Corrupted lines are skipped.
func summarizeFile(path string) fileSummary {
	sum := fileSummary{byType: make(map[EntryType]int)}
	reader, err := NewReader(path)
	if err != nil {
		return sum
	}
	defer func() { _ = reader.Close() }()

	for reader.scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(reader.scanner.Bytes(), &entry); err != nil {
			continue
		}
		if sum.entries == 0 {
			sum.firstSeq = entry.Sequence
		}
		sum.entries++
		sum.byType[entry.Type]++
		if entry.Sequence > sum.maxSeq {
			sum.maxSeq = entry.Sequence
		}
	}
	return sum
}
