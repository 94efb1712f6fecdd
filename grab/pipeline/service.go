package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"qishuigrab/grab"
	"qishuigrab/grab/qishui"
)

// Fetcher performs the outbound HTTP the pipeline needs.
type Fetcher interface {
	FetchPage(ctx context.Context, url string) (string, error)
	FetchTrack(ctx context.Context, url string) (string, error)
	FetchCover(ctx context.Context, url string) ([]byte, error)
}

// Tagger embeds metadata into a downloaded container file.
type Tagger interface {
	Embed(audioPath string, cover []byte, trackName, artistName string) error
}

// Artifact is the finished product of one pipeline run: the tagged file
// in memory plus its suggested download name. It lives only until the
// transport layer has written it out.
type Artifact struct {
	Data       []byte
	Filename   string
	TrackName  string
	ArtistName string
}

// Service runs the share-URL → tagged-file pipeline. Concurrent requests
// for the same share URL are collapsed into a single run.
type Service struct {
	fetcher Fetcher
	scraper *qishui.Scraper
	tagger  Tagger
	history grab.HistoryRepository // nil disables history
	logger  grab.Logger
	group   singleflight.Group
}

func NewService(fetcher Fetcher, scraper *qishui.Scraper, tagger Tagger, history grab.HistoryRepository, logger grab.Logger) *Service {
	return &Service{
		fetcher: fetcher,
		scraper: scraper,
		tagger:  tagger,
		history: history,
		logger:  logger,
	}
}

// Process resolves, downloads, and tags the track behind shareURL.
// Either a complete artifact comes back or an error; never a partial
// result. Duplicate in-flight share URLs share one run and one artifact.
func (s *Service) Process(ctx context.Context, shareURL string) (*Artifact, error) {
	// The run may be serving several joined callers, so it must not die
	// with whichever request happened to start it.
	runCtx := context.WithoutCancel(ctx)
	result, err, shared := s.group.Do(shareURL, func() (interface{}, error) {
		return s.run(runCtx, shareURL)
	})
	if err != nil {
		return nil, err
	}
	if shared && s.logger != nil {
		s.logger.Debug("joined in-flight run", "share_url", shareURL)
	}
	return result.(*Artifact), nil
}

func (s *Service) run(ctx context.Context, shareURL string) (*Artifact, error) {
	start := time.Now()
	artifact, desc, err := s.process(ctx, shareURL)
	s.record(shareURL, desc, artifact, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

func (s *Service) process(ctx context.Context, shareURL string) (*Artifact, qishui.TrackDescriptor, error) {
	page, err := s.fetcher.FetchPage(ctx, shareURL)
	if err != nil {
		return nil, qishui.TrackDescriptor{}, err
	}

	desc := s.scraper.BuildDescriptor(page)

	if desc.TrackURL == qishui.Unknown {
		return nil, desc, NewDownloadFailedError(shareURL, 0,
			fmt.Errorf("no audio url in share page"))
	}

	audioPath, err := s.fetcher.FetchTrack(ctx, desc.TrackURL)
	if err != nil {
		return nil, desc, err
	}
	// The temp file must go away on every remaining path, success included:
	// the artifact is handed over as an in-memory buffer.
	defer func() {
		_ = os.Remove(audioPath)
	}()

	var cover []byte
	if desc.CoverURL == qishui.Unknown {
		return nil, desc, NewCoverDownloadError(shareURL, 0,
			fmt.Errorf("no cover url in share page"))
	}
	cover, err = s.fetcher.FetchCover(ctx, desc.CoverURL)
	if err != nil {
		return nil, desc, err
	}

	if err := s.tagger.Embed(audioPath, cover, desc.TrackName, desc.ArtistName); err != nil {
		return nil, desc, err
	}

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, desc, NewInvalidContainerError(audioPath, err)
	}

	artifact := &Artifact{
		Data:       data,
		Filename:   Filename(desc.TrackName, desc.ArtistName),
		TrackName:  desc.TrackName,
		ArtistName: desc.ArtistName,
	}

	if s.logger != nil {
		s.logger.Info("track processed",
			"share_url", shareURL,
			"filename", artifact.Filename,
			"bytes", len(artifact.Data),
		)
	}
	return artifact, desc, nil
}

// record writes a best-effort history row; failures only log.
func (s *Service) record(shareURL string, desc qishui.TrackDescriptor, artifact *Artifact, runErr error, elapsed time.Duration) {
	if s.history == nil {
		return
	}

	rec := &grab.DownloadRecord{
		ShareURL:   shareURL,
		TrackName:  desc.TrackName,
		ArtistName: desc.ArtistName,
		Status:     grab.StatusOK,
		DurationMS: elapsed.Milliseconds(),
	}
	if runErr != nil {
		rec.Status = grab.StatusFailed
		rec.Error = runErr.Error()
	} else if artifact != nil {
		rec.FileSize = int64(len(artifact.Data))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Create(ctx, rec); err != nil && s.logger != nil {
		s.logger.Warn("history write failed", "share_url", shareURL, "error", err)
	}
}

// Filename builds the suggested download name, "{track} - {artist}.m4a".
// Sentinel values pass through verbatim.
func Filename(trackName, artistName string) string {
	return fmt.Sprintf("%s - %s.m4a", trackName, artistName)
}

// SanitizeFilename strips characters that would break a header value or
// a path when the suggested name is used outside the response body.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_",
		"\r", "", "\n", "", "\x00", "",
		`"`, "'",
	)
	return replacer.Replace(name)
}
