// Package api exposes the tool-call boundary over HTTP.
//
// Routes:
//
//	GET  /health                  liveness
//	GET  /metrics                 Prometheus collectors
//	GET  /v1/tools                registered tool descriptors
//	POST /v1/tools/:name          invoke one tool, body is its JSON parameters
//	POST /v1/repair               run a bounded repair session over a fixed plan
//	GET  /v1/devserver/status     dev server state and restart budget
//	GET  /v1/devserver/logs       recent dev server log lines (?lines=N)
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"workbench/internal/logging"
	"workbench/internal/repair"
	"workbench/internal/tools"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// DefaultMaxBodyBytes bounds request bodies. It leaves room for a
// MaxContentBytes payload plus JSON escaping.
const DefaultMaxBodyBytes = 2*tools.MaxContentBytes + 64*1024

// Options configures a Server.
type Options struct {
	MaxBodyBytes      int64
	RepairMaxAttempts int
	ShutdownTimeout   time.Duration
}

// Server routes HTTP requests to a tool dispatcher.
type Server struct {
	dispatcher *tools.Dispatcher
	devServer  tools.DevServer
	opts       Options
}

// NewServer creates a server. devServer may be nil, in which case the dev
// server routes answer 404.
func NewServer(dispatcher *tools.Dispatcher, devServer tools.DevServer, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.RepairMaxAttempts <= 0 {
		opts.RepairMaxAttempts = repair.DefaultMaxAttempts
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{dispatcher: dispatcher, devServer: devServer, opts: opts}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/tools", s.handleListTools)
		v1.POST("/tools/:name", s.handleInvoke)
		v1.POST("/repair", s.handleRepair)

		v1.GET("/devserver/status", s.handleDevServerStatus)
		v1.GET("/devserver/logs", s.handleDevServerLogs)
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.API("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		logging.API("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// requestLogger assigns a request ID and logs each request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)

		start := time.Now()
		c.Next()
		logging.APIDebug("%s %s -> %d in %s (request=%s)",
			c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start), id)
	}
}

// ErrorResponse is the body of non-tool errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tools": s.dispatcher.Registry().Count()})
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.dispatcher.Registry().Describe()})
}

func (s *Server) handleInvoke(c *gin.Context) {
	name := c.Param("name")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   tools.CodeValidation,
				Message: "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: tools.CodeValidation, Message: err.Error()})
		return
	}

	res := s.dispatcher.Invoke(c.Request.Context(), tools.Call{
		Tool:      name,
		Params:    body,
		RequestID: c.GetString("request_id"),
	})

	status := StatusFor(res)
	if !s.dispatcher.Registry().Has(name) {
		status = http.StatusNotFound
	}
	if res.Error == tools.CodeCooldownActive {
		if ms, ok := res.Data.(map[string]int64); ok {
			c.Header("Retry-After", strconv.FormatInt((ms["retry_after_ms"]+999)/1000, 10))
		}
	}
	c.JSON(status, res)
}

// StatusFor maps a tool result onto an HTTP status.
func StatusFor(res tools.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Error {
	case tools.CodeValidation:
		return http.StatusBadRequest
	case tools.CodeCooldownActive:
		return http.StatusTooManyRequests
	case tools.CodeMaxRestartsExceeded, tools.CodePatchConflict:
		return http.StatusConflict
	case tools.CodeApply, tools.CodeTimeout, tools.CodeOutputTooLarge, tools.CodeProcess:
		return http.StatusUnprocessableEntity
	case tools.CodeCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// repairRequest runs Calls on every iteration until they all succeed with
// clean output.
type repairRequest struct {
	Task        string       `json:"task" binding:"required"`
	Calls       []tools.Call `json:"calls" binding:"required,min=1,dive"`
	MaxAttempts int          `json:"max_attempts" binding:"gte=0,lte=10"`
}

func (s *Server) handleRepair(c *gin.Context) {
	var req repairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: tools.CodeValidation, Message: err.Error()})
		return
	}
	for _, call := range req.Calls {
		if !s.dispatcher.Registry().Has(call.Tool) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   tools.CodeValidation,
				Message: "unknown tool in plan: " + call.Tool,
			})
			return
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.opts.RepairMaxAttempts
	}
	loop := repair.NewLoop(maxAttempts)
	plan := func(repair.Iteration) []tools.Call { return req.Calls }

	session, err := loop.Run(c.Request.Context(), req.Task, s.dispatcher.RepairStep(plan))
	if err != nil && session == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: tools.CodeInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleDevServerStatus(c *gin.Context) {
	if s.devServer == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: tools.CodeValidation, Message: tools.ErrNoDevServer.Error()})
		return
	}
	c.JSON(http.StatusOK, s.devServer.Status())
}

func (s *Server) handleDevServerLogs(c *gin.Context) {
	if s.devServer == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: tools.CodeValidation, Message: tools.ErrNoDevServer.Error()})
		return
	}
	n := 100
	if raw := c.Query("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: tools.CodeValidation, Message: "lines must be a non-negative integer"})
			return
		}
		n = v
	}
	lines := s.devServer.Logs(n)
	c.JSON(http.StatusOK, gin.H{"lines": lines, "count": len(lines)})
}
