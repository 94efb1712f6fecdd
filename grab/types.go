package grab

import "time"

// Download statuses recorded in history.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// DownloadRecord represents one processed share-page request.
// Only metadata is kept; the tagged file itself is never persisted.
type DownloadRecord struct {
	ID         uint
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ShareURL   string
	TrackName  string
	ArtistName string
	Status     string // "ok" or "failed"
	Error      string // failure detail when Status is "failed"
	FileSize   int64  // tagged file size in bytes
	DurationMS int64  // wall time of the pipeline run
}
