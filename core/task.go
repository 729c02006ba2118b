package core

import "time"

// ScanTask is emitted by the watcher once a file has gone stable and is
// consumed exactly once by a scan worker.
type ScanTask struct {
	FilePath     string
	DiscoveredAt time.Time
	SizeBytes    int64
}
