package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/id"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/dunamismax/zyncut/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	SessionHeader = "X-Session-ID"

	maxJSONBodyBytes = 1 << 20
)

type remover interface {
	Process(ctx context.Context, sess pipeline.Session, src pipeline.Source, progress pipeline.ProgressFunc) (pipeline.Completion, error)
}

type Options struct {
	Logger      zerolog.Logger
	Sessions    *session.Manager
	Remover     remover
	RateLimiter RateLimiter
	// RemovalCost is the number of rate-limit tokens a removal spends.
	RemovalCost    int
	MaxUploadBytes int64
	// SourceClient fetches URL sources. It defaults to a client that only
	// dials public addresses.
	SourceClient *http.Client
}

type Server struct {
	logger         zerolog.Logger
	sessions       *session.Manager
	remover        remover
	rateLimiter    RateLimiter
	removalCost    int
	maxUploadBytes int64
	sourceClient   *http.Client
	metrics        *metrics
	tracer         trace.Tracer
	router         chi.Router
}

func NewServer(opts Options) *Server {
	if opts.RemovalCost < 1 {
		opts.RemovalCost = 1
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = pipeline.MaxSourceBytes
	}
	if opts.SourceClient == nil {
		opts.SourceClient = pipeline.NewPublicSourceClient(30 * time.Second)
	}

	s := &Server{
		logger:         opts.Logger,
		sessions:       opts.Sessions,
		remover:        opts.Remover,
		rateLimiter:    opts.RateLimiter,
		removalCost:    opts.RemovalCost,
		maxUploadBytes: opts.MaxUploadBytes,
		sourceClient:   opts.SourceClient,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("zyncut/api"),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withRequestLog)
	r.Use(middleware.Recoverer)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.withRateLimit).Post("/removals", s.handleCreateRemoval)
		r.Get("/usage", s.handleUsage)
		r.Put("/plan", s.handleSetPlan)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}/download", s.handleDownload)
		r.Delete("/session/invocation", s.handleResetInvocation)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRemovalRequest struct {
	DataURI string `json:"data_uri"`
	URL     string `json:"url"`
}

type removalResponse struct {
	Result  domain.ProcessingResult `json:"result"`
	Usage   session.Usage           `json:"usage"`
	Backend string                  `json:"backend"`
}

func (s *Server) handleCreateRemoval(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	logger := s.requestLogger(r).With().Str("session", sess.ID()).Logger()

	src, cleanup, err := s.removalSource(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	defer cleanup()

	completion, err := s.remover.Process(r.Context(), sess, src, func(state domain.State, percent int) {
		logger.Debug().Str("state", string(state)).Int("percent", percent).Msg("removal progress")
	})
	if err != nil {
		failure := domain.Describe(err)
		s.metrics.removalsTotal.WithLabelValues(failure.Code, "none").Inc()
		if failure.Status >= http.StatusInternalServerError {
			logger.Warn().Err(err).Str("code", failure.Code).Msg("removal failed")
		}
		writeFailure(w, failure)
		return
	}

	s.metrics.removalsTotal.WithLabelValues("committed", completion.Backend).Inc()
	writeJSON(w, http.StatusCreated, removalResponse{
		Result:  completion.Result,
		Usage:   sess.Report(completion.Usage),
		Backend: completion.Backend,
	})
}

// removalSource picks the input from the request body: a multipart "image"
// part, a JSON document naming a data URI or URL, or a raw image body.
func (s *Server) removalSource(w http.ResponseWriter, r *http.Request) (pipeline.Source, func(), error) {
	noop := func() {}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, noop, fmt.Errorf("a Content-Type header is required")
	}

	switch {
	case mediaType == "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, noop, fmt.Errorf("invalid multipart body: %w", err)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, noop, fmt.Errorf("multipart field %q is required", "image")
		}
		cleanup := func() {
			_ = file.Close()
			_ = r.MultipartForm.RemoveAll()
		}
		return pipeline.ReaderSource{
			Reader:   file,
			Filename: header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
		}, cleanup, nil

	case mediaType == "application/json":
		var req createRemovalRequest
		// A data URI is base64, so it needs room for a third more than the upload cap.
		if err := decodeJSON(r, &req, s.maxUploadBytes*4/3+maxJSONBodyBytes); err != nil {
			return nil, noop, err
		}
		switch {
		case strings.TrimSpace(req.DataURI) != "":
			return pipeline.DataURISource{URI: req.DataURI}, noop, nil
		case strings.TrimSpace(req.URL) != "":
			return pipeline.URLSource{URL: req.URL, Client: s.sourceClient}, noop, nil
		default:
			return nil, noop, errors.New("one of data_uri or url is required")
		}

	case strings.HasPrefix(mediaType, "image/") || mediaType == domain.MIMETypeOctetStream:
		return pipeline.ReaderSource{
			Reader:   http.MaxBytesReader(w, r.Body, s.maxUploadBytes),
			MIMEType: mediaType,
		}, noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.peekSession(r).Usage(r.Context())
	if err != nil {
		s.requestLogger(r).Error().Err(err).Msg("load usage failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type setPlanRequest struct {
	Plan string `json:"plan"`
}

func (s *Server) handleSetPlan(w http.ResponseWriter, r *http.Request) {
	var req setPlanRequest
	if err := decodeJSON(r, &req, maxJSONBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	plan, err := domain.ParsePlan(req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_plan", err.Error())
		return
	}

	usage, err := s.session(r).SetPlan(r.Context(), plan)
	if err != nil {
		s.requestLogger(r).Error().Err(err).Msg("set plan failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update plan")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type historyItem struct {
	domain.HistoryEntry
	AssetName string `json:"asset_name"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.peekSession(r).History(r.URL.Query().Get("q"))
	items := make([]historyItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, historyItem{HistoryEntry: entry, AssetName: entry.AssetName()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	resultID := chi.URLParam(r, "id")
	if !id.Valid(resultID) {
		writeError(w, http.StatusNotFound, "not_found", "history entry not found")
		return
	}
	entry, ok := s.peekSession(r).Entry(resultID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "history entry not found")
		return
	}

	data, mimeType, err := codec.ToBinary(entry.ResultDataURI)
	if err != nil {
		s.requestLogger(r).Error().Err(err).Str("result", entry.ID).Msg("stored result is unreadable")
		writeError(w, http.StatusInternalServerError, "internal_error", "stored result is unreadable")
		return
	}
	if mimeType == "" {
		mimeType = domain.MIMETypePNG
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": domain.DownloadFilename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleResetInvocation(w http.ResponseWriter, r *http.Request) {
	cancelled := s.peekSession(r).Reset()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) session(r *http.Request) *session.Session {
	return s.sessions.Get(r.Header.Get(SessionHeader))
}

// peekSession serves reads without registering the caller's id.
func (s *Server) peekSession(r *http.Request) *session.Session {
	return s.sessions.Peek(r.Header.Get(SessionHeader))
}

func decodeJSON(r *http.Request, into any, limit int64) error {
	limited := io.LimitReader(r.Body, limit)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

type errorBody struct {
	Error domain.Failure `json:"error"`
}

func writeFailure(w http.ResponseWriter, failure domain.Failure) {
	writeJSON(w, failure.Status, errorBody{Error: failure})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeFailure(w, domain.Failure{Code: code, Message: message, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
