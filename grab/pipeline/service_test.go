package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qishuigrab/grab"
	"qishuigrab/grab/qishui"
)

const testPage = `"trackName":"Song","artistName":"Artist",` +
	`"coverURL":"https:\/\/img\/c.jpg",` +
	`"src":"\/\/cdn\/a.m4a?mime_type=audio_mp4&q=1",`

type stubFetcher struct {
	mu          sync.Mutex
	page        string
	pageErr     error
	trackErr    error
	coverErr    error
	cover       []byte
	trackBody   []byte
	dir         string
	pageCalls   int32
	trackCalls  int32
	trackPaths  []string
	pageEntered chan struct{}
	pageRelease chan struct{}
}

func (f *stubFetcher) FetchPage(ctx context.Context, _ string) (string, error) {
	atomic.AddInt32(&f.pageCalls, 1)
	if f.pageEntered != nil {
		f.pageEntered <- struct{}{}
		select {
		case <-ctx.Done():
			return "", NewPageFetchError("", 0, ctx.Err())
		case <-f.pageRelease:
		}
	}
	if f.pageErr != nil {
		return "", f.pageErr
	}
	return f.page, nil
}

func (f *stubFetcher) FetchTrack(_ context.Context, _ string) (string, error) {
	atomic.AddInt32(&f.trackCalls, 1)
	if f.trackErr != nil {
		return "", f.trackErr
	}
	file, err := os.CreateTemp(f.dir, "stub-*.m4a")
	if err != nil {
		return "", err
	}
	if _, err := file.Write(f.trackBody); err != nil {
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.trackPaths = append(f.trackPaths, file.Name())
	f.mu.Unlock()
	return file.Name(), nil
}

func (f *stubFetcher) FetchCover(_ context.Context, _ string) ([]byte, error) {
	if f.coverErr != nil {
		return nil, f.coverErr
	}
	return f.cover, nil
}

func (f *stubFetcher) lastTrackPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.trackPaths) == 0 {
		return ""
	}
	return f.trackPaths[len(f.trackPaths)-1]
}

type stubTagger struct {
	err      error
	appended []byte
}

func (s *stubTagger) Embed(audioPath string, cover []byte, trackName, artistName string) error {
	if s.err != nil {
		return s.err
	}
	file, err := os.OpenFile(audioPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(s.appended)
	return err
}

type stubHistory struct {
	mu      sync.Mutex
	records []*grab.DownloadRecord
}

func (h *stubHistory) Create(_ context.Context, record *grab.DownloadRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *stubHistory) Recent(_ context.Context, _ int) ([]*grab.DownloadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records, nil
}

func (h *stubHistory) Count(_ context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.records)), nil
}

func (h *stubHistory) last() *grab.DownloadRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return nil
	}
	return h.records[len(h.records)-1]
}

func TestProcessSuccess(t *testing.T) {
	fetcher := &stubFetcher{
		page:      testPage,
		trackBody: []byte("AUDIO"),
		cover:     []byte{0xFF, 0xD8},
		dir:       t.TempDir(),
	}
	tagger := &stubTagger{appended: []byte("+TAGS")}
	history := &stubHistory{}
	service := NewService(fetcher, qishui.NewScraper(nil), tagger, history, nil)

	artifact, err := service.Process(context.Background(), "https://share/track")
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if string(artifact.Data) != "AUDIO+TAGS" {
		t.Errorf("unexpected artifact data: %q", artifact.Data)
	}
	if artifact.Filename != "Song - Artist.m4a" {
		t.Errorf("unexpected filename: %q", artifact.Filename)
	}

	// The temp file handed to the tagger must be gone once the artifact
	// is in memory.
	if path := fetcher.lastTrackPath(); path != "" {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("expected temp file %s to be removed", path)
		}
	}

	rec := history.last()
	if rec == nil {
		t.Fatal("expected a history record")
	}
	if rec.Status != grab.StatusOK || rec.TrackName != "Song" || rec.FileSize != int64(len("AUDIO+TAGS")) {
		t.Errorf("unexpected history record: %+v", rec)
	}
}

func TestProcessPageFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{pageErr: NewPageFetchError("https://share/track", 403, nil)}
	service := NewService(fetcher, qishui.NewScraper(nil), &stubTagger{}, nil, nil)

	_, err := service.Process(context.Background(), "https://share/track")
	if !errors.Is(err, ErrPageFetch) {
		t.Fatalf("expected page fetch error, got %v", err)
	}
	if atomic.LoadInt32(&fetcher.trackCalls) != 0 {
		t.Error("expected no track download after page failure")
	}
}

func TestProcessUnresolvedTrackURL(t *testing.T) {
	fetcher := &stubFetcher{page: `"trackName":"Song","artistName":"Artist","coverURL":"x","`}
	history := &stubHistory{}
	service := NewService(fetcher, qishui.NewScraper(nil), &stubTagger{}, history, nil)

	_, err := service.Process(context.Background(), "https://share/track")
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected download failed error, got %v", err)
	}
	if atomic.LoadInt32(&fetcher.trackCalls) != 0 {
		t.Error("expected no track download without a resolved url")
	}

	rec := history.last()
	if rec == nil || rec.Status != grab.StatusFailed {
		t.Errorf("expected a failed history record, got %+v", rec)
	}
}

func TestProcessCoverFailureReleasesAudio(t *testing.T) {
	fetcher := &stubFetcher{
		page:      testPage,
		trackBody: []byte("AUDIO"),
		coverErr:  NewCoverDownloadError("https://img/c.jpg", 500, nil),
		dir:       t.TempDir(),
	}
	service := NewService(fetcher, qishui.NewScraper(nil), &stubTagger{}, nil, nil)

	_, err := service.Process(context.Background(), "https://share/track")
	if !errors.Is(err, ErrCoverDownload) {
		t.Fatalf("expected cover download error, got %v", err)
	}

	path := fetcher.lastTrackPath()
	if path == "" {
		t.Fatal("expected the audio download to have happened")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected temp file %s to be removed after cover failure", path)
	}
}

func TestProcessTaggerFailureReleasesAudio(t *testing.T) {
	fetcher := &stubFetcher{
		page:      testPage,
		trackBody: []byte("AUDIO"),
		cover:     []byte{0xFF, 0xD8},
		dir:       t.TempDir(),
	}
	tagger := &stubTagger{err: NewInvalidContainerError("x.m4a", nil)}
	service := NewService(fetcher, qishui.NewScraper(nil), tagger, nil, nil)

	_, err := service.Process(context.Background(), "https://share/track")
	if !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("expected invalid container error, got %v", err)
	}

	if path := fetcher.lastTrackPath(); path != "" {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("expected temp file %s to be removed after tag failure", path)
		}
	}
}

func TestProcessCollapsesDuplicateRequests(t *testing.T) {
	fetcher := &stubFetcher{
		page:        testPage,
		trackBody:   []byte("AUDIO"),
		cover:       []byte{0xFF, 0xD8},
		dir:         t.TempDir(),
		pageEntered: make(chan struct{}, 2),
		pageRelease: make(chan struct{}),
	}
	service := NewService(fetcher, qishui.NewScraper(nil), &stubTagger{}, nil, nil)

	var wg sync.WaitGroup
	results := make([]*Artifact, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = service.Process(context.Background(), "https://share/track")
	}()

	// Wait for the first run to be inside the page fetch, then start the
	// duplicate so it joins the in-flight run.
	<-fetcher.pageEntered
	go func() {
		defer wg.Done()
		results[1], _ = service.Process(context.Background(), "https://share/track")
	}()
	time.Sleep(100 * time.Millisecond)
	close(fetcher.pageRelease)
	wg.Wait()

	if got := atomic.LoadInt32(&fetcher.pageCalls); got != 1 {
		t.Fatalf("expected a single page fetch for duplicate requests, got %d", got)
	}
	if results[0] == nil || results[1] == nil {
		t.Fatal("expected both requests to get an artifact")
	}
	if string(results[0].Data) != string(results[1].Data) {
		t.Error("expected duplicate requests to share one artifact")
	}
}

func TestProcessSurvivesFirstCallerCancel(t *testing.T) {
	fetcher := &stubFetcher{
		page:        testPage,
		trackBody:   []byte("AUDIO"),
		cover:       []byte{0xFF, 0xD8},
		dir:         t.TempDir(),
		pageEntered: make(chan struct{}, 2),
		pageRelease: make(chan struct{}),
	}
	service := NewService(fetcher, qishui.NewScraper(nil), &stubTagger{}, nil, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var joined *Artifact
	var joinedErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = service.Process(firstCtx, "https://share/track")
	}()

	// Once the first run is inside the page fetch, join a duplicate,
	// then cancel the request that started the run.
	<-fetcher.pageEntered
	go func() {
		defer wg.Done()
		joined, joinedErr = service.Process(context.Background(), "https://share/track")
	}()
	time.Sleep(100 * time.Millisecond)
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(fetcher.pageRelease)
	wg.Wait()

	if joinedErr != nil {
		t.Fatalf("joined request failed after starter cancelled: %v", joinedErr)
	}
	if joined == nil || string(joined.Data) != "AUDIO" {
		t.Errorf("unexpected joined artifact: %+v", joined)
	}
}

func TestFilename(t *testing.T) {
	if got := Filename("Song", "Artist"); got != "Song - Artist.m4a" {
		t.Errorf("Filename() = %q", got)
	}
	if got := Filename(qishui.Unknown, qishui.Unknown); got != "Unknown - Unknown.m4a" {
		t.Errorf("Filename() with sentinels = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	got := SanitizeFilename("AC/DC - \"Back\\In\\Black\"\r\n.m4a")
	want := "AC_DC - 'Back_In_Black'.m4a"
	if got != want {
		t.Errorf("SanitizeFilename() = %q, want %q", got, want)
	}
	if got := SanitizeFilename(filepath.Clean("plain.m4a")); got != "plain.m4a" {
		t.Errorf("SanitizeFilename() = %q", got)
	}
}
