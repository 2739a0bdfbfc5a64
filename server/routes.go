// Package server exposes a Pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/videogen/envconfig"
	"github.com/ollama/videogen/logutil"
	"github.com/ollama/videogen/metrics"
	"github.com/ollama/videogen/videogen"
	"github.com/ollama/videogen/videogen/scheduler"
)

// Server runs generations for HTTP clients, one at a time. Up to maxQueue
// further requests wait for their turn; the rest are turned away.
type Server struct {
	pipeline *videogen.Pipeline
	defaults videogen.Options
	metrics  *metrics.Collector

	// sem serialises access to the pipeline; queue bounds the requests
	// holding or waiting for it.
	sem   *semaphore.Weighted
	queue *semaphore.Weighted
}

func New(p *videogen.Pipeline, defaults videogen.Options, maxQueue int) *Server {
	return &Server{
		pipeline: p,
		defaults: defaults,
		metrics:  metrics.NewCollector(),
		sem:      semaphore.NewWeighted(1),
		queue:    semaphore.NewWeighted(int64(maxQueue) + 1),
	}
}

func (s *Server) Metrics() *metrics.Collector { return s.metrics }

func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "videogen is running") })

	r.POST("/api/generate", s.GenerateHandler)
	r.GET("/api/config", s.ConfigHandler)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return r
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Routes()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) ConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ConfigResponse{
		Model:    s.pipeline.Config,
		Defaults: s.defaults,
		Solvers:  scheduler.Names(),
		Env:      envconfig.Values(),
	})
}

type event struct {
	name string
	data any
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts, err := mergeOptions(s.defaults, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var endImg image.Image
	if req.EndImage != "" {
		endImg, err = decodeImage(req.EndImage)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if !s.queue.TryAcquire(1) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy, please try again. maximum pending requests exceeded"})
		return
	}

	ctx := c.Request.Context()
	id := uuid.NewString()

	s.metrics.RequestQueued()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.metrics.RequestDropped()
		s.queue.Release(1)
		slog.Info("request cancelled while queued", "id", id)
		return
	}
	s.metrics.RequestStarted()

	ch := make(chan event)
	send := func(ev event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		defer s.queue.Release(1)
		defer s.sem.Release(1)
		defer s.metrics.RequestDone()

		completed := 0
		opts.Progress = func(step int, start bool) {
			if start {
				return
			}
			completed = step + 1
			send(event{"progress", ProgressEvent{Step: completed, Total: opts.Steps}})
		}

		slog.Info("generate", "id", id, "solver", opts.Solver, "steps", opts.Steps, "frames", opts.Frames)
		start := time.Now()
		result, err := s.pipeline.Generate(ctx, img, endImg, opts)
		if err != nil {
			status := metrics.StatusError
			if errors.Is(err, videogen.ErrAborted) {
				status = metrics.StatusAborted
			}
			s.metrics.ObserveGeneration(opts.Solver, status, completed, 0, time.Since(start))
			slog.Info("generate failed", "id", id, "error", err, logutil.Duration("elapsed", time.Since(start)))
			send(event{"error", ErrorEvent{ID: id, Error: err.Error(), Aborted: status == metrics.StatusAborted}})
			return
		}
		defer result.Latent.Free()
		if result.Video != nil {
			defer result.Video.Free()
		}
		s.metrics.ObserveGeneration(opts.Solver, metrics.StatusOK, result.Steps, result.Forwards, result.Duration)

		resp, err := response(id, result, req.Frames)
		if err != nil {
			send(event{"error", ErrorEvent{ID: id, Error: err.Error()}})
			return
		}
		send(event{"done", resp})
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(ev.name, ev.data)
		return true
	})
}

func response(id string, result *videogen.Result, includeFrames bool) (GenerateResponse, error) {
	geo := result.Geometry
	resp := GenerateResponse{
		ID:       id,
		Seed:     result.Seed,
		Width:    geo.Width,
		Height:   geo.Height,
		Frames:   geo.Frames,
		Steps:    result.Steps,
		Forwards: result.Forwards,
		Duration: result.Duration.Seconds(),
	}
	if result.Video != nil {
		resp.Frames = result.Video.Dim(1)
	}

	if !includeFrames || result.Video == nil {
		return resp, nil
	}

	frames, err := videogen.TensorToFrames(result.Video)
	if err != nil {
		return resp, err
	}
	for _, frame := range frames {
		b64, err := videogen.EncodeFrameBase64(frame)
		if err != nil {
			return resp, err
		}
		resp.Images = append(resp.Images, b64)
	}
	return resp, nil
}
