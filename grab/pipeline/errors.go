package pipeline

import (
	"errors"
	"fmt"
)

// Stage failures that can be checked with errors.Is. Field-level misses
// never surface here; these are the fatal, request-aborting conditions.
var (
	// ErrPageFetch is returned when the share page itself cannot be fetched.
	ErrPageFetch = errors.New("pipeline: share page fetch failed")

	// ErrDownloadFailed is returned when the audio download gets a non-2xx status.
	ErrDownloadFailed = errors.New("pipeline: audio download failed")

	// ErrUnexpectedContentType is returned when the audio response is not MP4.
	ErrUnexpectedContentType = errors.New("pipeline: unexpected content type")

	// ErrCoverDownload is returned when the cover image download fails.
	ErrCoverDownload = errors.New("pipeline: cover download failed")

	// ErrInvalidContainer is returned when the audio bytes do not parse as MP4.
	ErrInvalidContainer = errors.New("pipeline: invalid mp4 container")
)

// StageError wraps a stage failure with the URL (or path) involved and,
// for HTTP failures, the response status. Supports errors.Is / errors.As
// through Unwrap.
type StageError struct {
	// Stage names the pipeline stage that failed (e.g., "page", "audio").
	Stage string

	// URL is the resource being fetched or the file being parsed.
	URL string

	// Status is the HTTP status code, when the failure came from a response.
	Status int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Stage, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewPageFetchError creates a StageError for a failed share page fetch.
func NewPageFetchError(url string, status int, err error) error {
	if err == nil {
		err = ErrPageFetch
	} else if !errors.Is(err, ErrPageFetch) {
		err = fmt.Errorf("%w: %v", ErrPageFetch, err)
	}
	return &StageError{Stage: "page", URL: url, Status: status, Err: err}
}

// NewDownloadFailedError creates a StageError for a failed audio fetch.
func NewDownloadFailedError(url string, status int, err error) error {
	if err == nil {
		err = ErrDownloadFailed
	} else if !errors.Is(err, ErrDownloadFailed) {
		err = fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return &StageError{Stage: "audio", URL: url, Status: status, Err: err}
}

// NewUnexpectedContentTypeError creates a StageError for a non-MP4 audio response.
func NewUnexpectedContentTypeError(url, contentType string) error {
	return &StageError{
		Stage: "audio",
		URL:   url,
		Err:   fmt.Errorf("%w: %q", ErrUnexpectedContentType, contentType),
	}
}

// NewCoverDownloadError creates a StageError for a failed cover fetch.
func NewCoverDownloadError(url string, status int, err error) error {
	if err == nil {
		err = ErrCoverDownload
	} else if !errors.Is(err, ErrCoverDownload) {
		err = fmt.Errorf("%w: %v", ErrCoverDownload, err)
	}
	return &StageError{Stage: "cover", URL: url, Status: status, Err: err}
}

// NewInvalidContainerError creates a StageError for an unparseable container.
func NewInvalidContainerError(path string, err error) error {
	if err == nil {
		err = ErrInvalidContainer
	} else if !errors.Is(err, ErrInvalidContainer) {
		err = fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	return &StageError{Stage: "tag", URL: path, Err: err}
}
