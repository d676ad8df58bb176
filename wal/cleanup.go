package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes WAL files older than the retention period
func Cleanup(dir string, config Config) (CleanupStats, error) {
	return cleanupBefore(dir, config, time.Now().AddDate(0, 0, -config.RetentionDays))
}

func cleanupBefore(dir string, config Config, cutoff time.Time) (CleanupStats, error) {
	var old []string
	for _, file := range listFiles(dir, config.FilePrefix) {
		if isOlderThan(file, cutoff) {
			old = append(old, file)
		}
	}

	stats := CleanupStats{}
	if len(old) == 0 {
		return stats, nil
	}
	stats.BytesFreed = calculateTotalSize(old)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(old)

	for _, file := range old {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
	}
	return stats, nil
}

// isOlderThan checks if file modification time is before cutoff
func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

// calculateTotalSize sums file sizes
func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
