// Package server exposes the gate over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitwit/x402gate/gate"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
)

const (
	requestIDKey    = "request_id"
	defaultMaxBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// ErrorResponse is the body of every non-402 failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type Server struct {
	engine       *gin.Engine
	gate         *gate.Gate
	gatherer     prometheus.Gatherer
	baseURL      string
	maxBody      int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       logger.Logger
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = logger.OrNoop(l) }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithResourceBaseURL prefixes request paths to form the resource of a
// payment requirement.
func WithResourceBaseURL(u string) Option {
	return func(s *Server) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// New builds the router. Gin's mode is left to the caller.
func New(g *gate.Gate, opts ...Option) *Server {
	s := &Server{
		gate:    g,
		maxBody: defaultMaxBody,
		logger:  logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())

	v1 := r.Group("/v1")
	v1.GET("/content/:tier", s.content)
	v1.POST("/content/:tier", s.content)
	v1.GET("/tiers", s.tiers)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", map[string]any{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) content(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBody+1))
		if err != nil {
			abort(c, http.StatusBadRequest, "", "cannot read request body")
			return
		}
		if int64(len(data)) > s.maxBody {
			abort(c, http.StatusRequestEntityTooLarge, "", "request body too large")
			return
		}
		body = data
	}

	resp := s.gate.Handle(c.Request.Context(), &gate.Request{
		Tier:          c.Param("tier"),
		Resource:      s.baseURL + c.Request.URL.Path,
		PaymentHeader: c.GetHeader(types.HeaderPayment),
		RequestID:     c.GetString(requestIDKey),
		Method:        c.Request.Method,
		Body:          body,
		Query:         c.Request.URL.Query(),
	})

	if resp.Receipt != nil {
		if h, err := utils.EncodeHeader(resp.Receipt); err == nil {
			c.Header(types.HeaderPaymentResponse, h)
		}
	}

	switch resp.Status {
	case http.StatusOK:
		c.Data(http.StatusOK, contentType(resp.Content), resp.Content)
	case http.StatusPaymentRequired:
		if h, err := utils.EncodeHeader(resp.Challenge); err == nil {
			c.Header(types.HeaderPaymentRequired, h)
		}
		c.JSON(http.StatusPaymentRequired, resp.Challenge)
	default:
		abort(c, resp.Status, resp.Reason, resp.Message)
	}
}

func (s *Server) tiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": s.gate.Catalog().Tiers()})
}

func contentType(b []byte) string {
	if json.Valid(b) {
		return "application/json; charset=utf-8"
	}
	return http.DetectContentType(b)
}

func abort(c *gin.Context, status int, reason, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Reason:  reason,
		Message: message,
	})
}

// requestID propagates X-Request-ID, generating one when absent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(types.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(types.HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request", map[string]any{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"request_id": c.GetString(requestIDKey),
		})
	}
}
