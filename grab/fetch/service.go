package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"qishuigrab/grab"
	"qishuigrab/grab/pipeline"
)

// Service performs all outbound HTTP for the pipeline: the share page,
// the audio file, and the cover image. One Service (and its connection
// pool) is shared across requests; it is safe for concurrent use.
type Service struct {
	client    *http.Client
	userAgent string
	cacheDir  string
	maxCover  int64
	maxPage   int64
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	logger    grab.Logger
}

type Options struct {
	Timeout           time.Duration
	UserAgent         string
	CacheDir          string
	MaxCoverBytes     int64
	RequestsPerSecond float64
	RequestBurst      int
}

const defaultMaxPageBytes = 8 << 20

func NewService(opts Options, logger grab.Logger) *Service {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   minDuration(opts.Timeout, 10*time.Second),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   minDuration(opts.Timeout, 10*time.Second),
		ResponseHeaderTimeout: minDuration(opts.Timeout, 10*time.Second),
		ExpectContinueTimeout: 1 * time.Second,
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = 8
	}

	settings := gobreaker.Settings{
		Name:        "qishui-fetch",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	maxCover := opts.MaxCoverBytes
	if maxCover <= 0 {
		maxCover = 10 << 20
	}

	return &Service{
		client:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		userAgent: strings.TrimSpace(opts.UserAgent),
		cacheDir:  strings.TrimSpace(opts.CacheDir),
		maxCover:  maxCover,
		maxPage:   defaultMaxPageBytes,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		breaker:   gobreaker.NewCircuitBreaker(settings),
		logger:    logger,
	}
}

// FetchPage retrieves the share page body as text.
func (s *Service) FetchPage(ctx context.Context, url string) (string, error) {
	resp, err := s.get(ctx, url)
	if err != nil {
		return "", pipeline.NewPageFetchError(url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", pipeline.NewPageFetchError(url, resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxPage))
	if err != nil {
		return "", pipeline.NewPageFetchError(url, resp.StatusCode, err)
	}
	return string(body), nil
}

// FetchTrack downloads the audio resource into a temp file under the
// cache dir and returns its path. Redirects are followed. The temp file
// is removed on every failure path; on success the caller owns it.
func (s *Service) FetchTrack(ctx context.Context, url string) (string, error) {
	resp, err := s.get(ctx, url)
	if err != nil {
		return "", pipeline.NewDownloadFailedError(url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", pipeline.NewDownloadFailedError(url, resp.StatusCode, nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "audio/mp4") && !strings.Contains(contentType, "video/mp4") {
		return "", pipeline.NewUnexpectedContentTypeError(url, contentType)
	}

	if s.cacheDir != "" {
		if err := os.MkdirAll(s.cacheDir, os.ModePerm); err != nil {
			return "", pipeline.NewDownloadFailedError(url, 0, err)
		}
	}

	tmp, err := os.CreateTemp(s.cacheDir, "qishui-*.m4a")
	if err != nil {
		return "", pipeline.NewDownloadFailedError(url, 0, err)
	}

	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", pipeline.NewDownloadFailedError(url, 0, err)
	}

	if s.logger != nil {
		s.logger.Info("audio downloaded", "url", url, "bytes", written, "path", tmp.Name())
	}
	return tmp.Name(), nil
}

// FetchCover downloads the cover image into memory, capped at the
// configured maximum size.
func (s *Service) FetchCover(ctx context.Context, url string) ([]byte, error) {
	resp, err := s.get(ctx, url)
	if err != nil {
		return nil, pipeline.NewCoverDownloadError(url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, pipeline.NewCoverDownloadError(url, resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxCover+1))
	if err != nil {
		return nil, pipeline.NewCoverDownloadError(url, resp.StatusCode, err)
	}
	if int64(len(data)) > s.maxCover {
		return nil, pipeline.NewCoverDownloadError(url, resp.StatusCode,
			fmt.Errorf("cover image too large: over %d bytes", s.maxCover))
	}

	if s.logger != nil {
		s.logger.Info("cover downloaded", "url", url, "bytes", len(data))
	}
	return data, nil
}

// get performs one rate-limited GET through the circuit breaker with the
// configured User-Agent. The source rejects default client identifiers,
// so the override applies to every outbound request.
func (s *Service) get(ctx context.Context, url string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a == 0 || a > b {
		return b
	}
	return a
}
