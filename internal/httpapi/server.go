package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/skim/internal/cache"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
	"horse.fit/skim/internal/queue"
	"horse.fit/skim/internal/ratelimit"
)

type Options struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
}

type Queue interface {
	Enqueue(ctx context.Context, postID int64, contentHash string, priority int) (db.EnqueueResult, error)
	Status(ctx context.Context, b queue.BreakerReader) (queue.Status, error)
}

type Cache interface {
	Lookup(ctx context.Context, contentHash string) (*db.Summary, error)
	PostStatus(ctx context.Context, postID int64) (cache.PostSummary, error)
}

type Limiter interface {
	Snapshot() ratelimit.Snapshot
}

type Store interface {
	Ping(ctx context.Context) error
	GetPost(ctx context.Context, postID int64) (db.Post, error)
}

type Deps struct {
	Store   Store
	Queue   Queue
	Cache   Cache
	Breaker queue.BreakerReader
	Limiter Limiter
}

type Server struct {
	deps   Deps
	logger zerolog.Logger
	opts   Options
}

type summaryView struct {
	ContentHash     string    `json:"content_hash"`
	Summary         string    `json:"summary"`
	OneLineSummary  string    `json:"one_line_summary"`
	TranslatedTitle *string   `json:"translated_title,omitempty"`
	Tags            []string  `json:"tags"`
	Language        string    `json:"language"`
	ProviderName    string    `json:"provider_name"`
	ModelName       *string   `json:"model_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type postSummaryView struct {
	PostID      int64        `json:"post_id"`
	Status      cache.Status `json:"status"`
	ContentHash string       `json:"content_hash,omitempty"`
	Summary     *summaryView `json:"summary,omitempty"`
}

func NewServer(deps Deps, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	origins := opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Server{
		deps:   deps,
		logger: logger.With().Str("component", "httpapi").Logger(),
		opts: Options{
			Host:               host,
			Port:               port,
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    shutdownTimeout,
			CORSAllowedOrigins: origins,
		},
	}
}

// Handler builds the echo router with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Debug()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/queue/status", s.handleQueueStatus)
	api.GET("/summaries/:hash", s.handleSummary)
	api.GET("/posts/:id/summary", s.handlePostSummary)
	api.POST("/posts/:id/summarize", s.handleSummarize)
	return e
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.deps.Store == nil || s.deps.Queue == nil || s.deps.Cache == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("skim api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("skim api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if v, ok := he.Message.(string); ok && strings.TrimSpace(v) != "" {
			message = v
		} else if text := http.StatusText(status); text != "" {
			message = text
		}
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("database ping failed")
		return unavailable(c, "Database unavailable")
	}
	return success(c, map[string]any{
		"service": "skim",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleQueueStatus(c echo.Context) error {
	status, err := s.deps.Queue.Status(c.Request().Context(), s.deps.Breaker)
	if err != nil {
		s.logger.Error().Err(err).Msg("query queue status failed")
		return internalError(c, "Failed to load queue status")
	}

	data := map[string]any{"queue": status}
	if s.deps.Breaker != nil {
		data["breaker"] = s.deps.Breaker.Snapshot()
	}
	if s.deps.Limiter != nil {
		data["rate_limiter"] = s.deps.Limiter.Snapshot()
	}
	return success(c, data)
}

func (s *Server) handleSummary(c echo.Context) error {
	hash := strings.TrimSpace(c.Param("hash"))
	if hash == "" {
		return failValidation(c, map[string]string{"hash": "is required"})
	}

	row, err := s.deps.Cache.Lookup(c.Request().Context(), hash)
	if err != nil {
		s.logger.Error().Err(err).Str("content_hash", hash).Msg("lookup summary failed")
		return internalError(c, "Failed to load summary")
	}
	if row == nil {
		return failNotFound(c, "Summary not found")
	}
	return success(c, toSummaryView(row))
}

func (s *Server) handlePostSummary(c echo.Context) error {
	postID, err := parsePostID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	status, err := s.deps.Cache.PostStatus(c.Request().Context(), postID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Post not found")
		}
		s.logger.Error().Err(err).Int64("post_id", postID).Msg("query post summary failed")
		return internalError(c, "Failed to load post summary")
	}

	view := postSummaryView{
		PostID:      status.PostID,
		Status:      status.Status,
		ContentHash: status.ContentHash,
	}
	if status.Summary != nil {
		view.Summary = toSummaryView(status.Summary)
	}
	return success(c, view)
}

// handleSummarize queues a post at user priority. A cached summary is
// returned directly.
func (s *Server) handleSummarize(c echo.Context) error {
	ctx := c.Request().Context()
	postID, err := parsePostID(c.Param("id"))
	if err != nil {
		return failValidation(c, map[string]string{"id": err.Error()})
	}

	post, err := s.deps.Store.GetPost(ctx, postID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Post not found")
		}
		s.logger.Error().Err(err).Int64("post_id", postID).Msg("load post failed")
		return internalError(c, "Failed to load post")
	}
	if post.DeletedAt != nil {
		return failNotFound(c, "Post not found")
	}

	hash := ""
	if post.ContentHash != nil {
		hash = strings.TrimSpace(*post.ContentHash)
	}
	if hash == "" {
		return fail(c, http.StatusUnprocessableEntity, "Post has no content to summarize", nil)
	}

	cached, err := s.deps.Cache.Lookup(ctx, hash)
	if err != nil {
		s.logger.Error().Err(err).Int64("post_id", postID).Msg("lookup summary failed")
		return internalError(c, "Failed to load summary")
	}
	if cached != nil {
		return success(c, postSummaryView{
			PostID:      postID,
			Status:      cache.StatusReady,
			ContentHash: hash,
			Summary:     toSummaryView(cached),
		})
	}

	res, err := s.deps.Queue.Enqueue(ctx, postID, hash, queue.PriorityUserTriggered)
	if err != nil {
		s.logger.Error().Err(err).Int64("post_id", postID).Msg("enqueue summary failed")
		return internalError(c, "Failed to queue summary")
	}
	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"post_id":         postID,
		"status":          cache.StatusPending,
		"content_hash":    hash,
		"created":         res.Created,
		"priority_raised": res.PriorityRaised,
	})
}

func toSummaryView(row *db.Summary) *summaryView {
	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}
	return &summaryView{
		ContentHash:     row.ContentHash,
		Summary:         row.SummaryText,
		OneLineSummary:  row.OneLineSummary,
		TranslatedTitle: row.TranslatedTitle,
		Tags:            tags,
		Language:        row.Language,
		ProviderName:    row.ProviderName,
		ModelName:       row.ModelName,
		CreatedAt:       row.CreatedAt,
	}
}

func parsePostID(raw string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return value, nil
}
