package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"qishuigrab/grab"
	"qishuigrab/grab/pipeline"
)

// Pipeline is the processing entrypoint the transport calls into.
type Pipeline interface {
	Process(ctx context.Context, shareURL string) (*pipeline.Artifact, error)
}

// Server exposes the download pipeline over HTTP.
type Server struct {
	server          *http.Server
	pipeline        Pipeline
	history         grab.HistoryRepository // nil disables /history
	pool            grab.WorkerPool        // nil runs pipelines inline
	logger          grab.Logger
	historyPageSize int
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	HistoryPageSize int
}

func NewServer(opts Options, pipe Pipeline, history grab.HistoryRepository, pool grab.WorkerPool, logger grab.Logger) *Server {
	s := &Server{
		pipeline:        pipe,
		history:         history,
		pool:            pool,
		logger:          logger,
		historyPageSize: opts.HistoryPageSize,
	}
	if s.historyPageSize <= 0 {
		s.historyPageSize = 50
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleIndex)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      mux,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the route handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("starting http server", "addr", s.server.Addr)
	}

	go func() {
		<-ctx.Done()
		if s.logger != nil {
			s.logger.Info("shutting down http server")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil && s.logger != nil {
			s.logger.Error("http server shutdown failed", "error", err)
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	shareURL := r.URL.Query().Get("url")
	if shareURL == "" {
		s.writeError(w, http.StatusBadRequest, "no url provided")
		return
	}
	if !isHTTPURL(shareURL) {
		s.writeError(w, http.StatusBadRequest, "url must be absolute http(s)")
		return
	}

	var artifact *pipeline.Artifact
	run := func() error {
		var err error
		artifact, err = s.pipeline.Process(r.Context(), shareURL)
		return err
	}

	var err error
	if s.pool != nil {
		err = s.pool.SubmitWaitContext(r.Context(), run)
	} else {
		err = run()
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Error("pipeline failed", "share_url", shareURL, "error", err)
		}
		s.writeError(w, statusForError(err), "failed to process the track")
		return
	}

	name := pipeline.SanitizeFilename(artifact.Filename)
	w.Header().Set("Content-Type", "audio/mp4")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	records, err := s.history.Recent(r.Context(), s.historyPageSize)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("history query failed", "error", err)
		}
		s.writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"qishuigrab"}`))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<h1>qishuigrab</h1>
<p>Use the <code>/download</code> endpoint with a 'url' query parameter to download a track.</p>
<p>Example: <code>/download?url=https://music.douyin.com/qishui/share/track?track_id=...</code></p>
`))
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusForError maps pipeline failures to response codes: downstream
// fetch problems surface as 502, everything else as 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrPageFetch),
		errors.Is(err, pipeline.ErrDownloadFailed),
		errors.Is(err, pipeline.ErrUnexpectedContentType),
		errors.Is(err, pipeline.ErrCoverDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
