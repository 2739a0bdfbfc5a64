package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/videogen/metrics"
	"github.com/ollama/videogen/tensor"
	"github.com/ollama/videogen/videogen"
	"github.com/ollama/videogen/videogen/toy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type sse struct {
	name string
	data string
}

func readEvents(t *testing.T, r io.Reader) []sse {
	t.Helper()

	var events []sse
	var cur sse
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimPrefix(line, "data:")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sse{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func encodedImage(t *testing.T, w, h int, c uint8) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{c, c / 2, 255 - c, 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func testConfig() videogen.Config {
	cfg := videogen.DefaultConfig()
	cfg.ParamDType = "f32"
	return cfg
}

func testDefaults() videogen.Options {
	opts := videogen.DefaultOptions()
	opts.MaxArea = 64 * 64
	opts.Frames = 9
	opts.Steps = 4
	opts.Seed = 7
	return opts
}

func newTestServer(t *testing.T, p *videogen.Pipeline, maxQueue int) (*Server, *httptest.Server) {
	t.Helper()

	s := New(p, testDefaults(), maxQueue)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, ctx context.Context, url string, body any) *http.Response {
	t.Helper()

	b, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/generate", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestGenerate(t *testing.T) {
	s, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	resp := post(t, context.Background(), ts.URL, GenerateRequest{
		Prompt: "a boat on a lake",
		Image:  encodedImage(t, 64, 64, 200),
		Frames: true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 5)

	for i, ev := range events[:4] {
		assert.Equal(t, "progress", ev.name)
		var p ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &p))
		assert.Equal(t, ProgressEvent{Step: i + 1, Total: 4}, p)
	}

	require.Equal(t, "done", events[4].name)
	var done GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(events[4].data), &done))
	assert.NotEmpty(t, done.ID)
	assert.Equal(t, int64(7), done.Seed)
	assert.Equal(t, 64, done.Width)
	assert.Equal(t, 64, done.Height)
	assert.Equal(t, 9, done.Frames)
	assert.Equal(t, 4, done.Steps)
	assert.Equal(t, 8, done.Forwards)
	require.Len(t, done.Images, 9)

	frame, err := base64.StdEncoding.DecodeString(done.Images[0])
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())

	c := s.Metrics()
	assert.InDelta(t, 1, testutil.ToFloat64(c.Generations("unipc", metrics.StatusOK)), 0)
}

func TestGenerateOptions(t *testing.T) {
	_, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	resp := post(t, context.Background(), ts.URL, GenerateRequest{
		Prompt:   "a boat on a lake",
		Image:    encodedImage(t, 64, 64, 200),
		EndImage: encodedImage(t, 64, 64, 20),
		Options: map[string]any{
			"steps":     2,
			"solver":    "dpm++",
			"seed":      11,
			"slg":       map[string]any{"layers": []any{9}, "start": 0.0, "end": 0.5},
			"teacache":  map[string]any{"multiplier": 0},
			"tile_size": 4,
		},
	})
	defer resp.Body.Close()

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	require.Equal(t, "done", events[2].name)

	var done GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &done))
	assert.Equal(t, int64(11), done.Seed)
	assert.Equal(t, 2, done.Steps)
	assert.Equal(t, 9, done.Frames, "the reserved end frame is trimmed")
	assert.Empty(t, done.Images)
}

func TestGenerateBadRequest(t *testing.T) {
	_, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)
	img := encodedImage(t, 8, 8, 0)

	cases := []struct {
		name string
		req  GenerateRequest
		want string
	}{
		{"no prompt", GenerateRequest{Image: img}, "prompt is required"},
		{"no image", GenerateRequest{Prompt: "p"}, "image is required"},
		{"bad image", GenerateRequest{Prompt: "p", Image: "not base64!"}, "invalid base64 image"},
		{"bad end image", GenerateRequest{Prompt: "p", Image: img, EndImage: base64.StdEncoding.EncodeToString([]byte("gif?"))}, "decode image"},
		{"unknown option", GenerateRequest{Prompt: "p", Image: img, Options: map[string]any{"stepz": 3}}, "invalid options"},
		{"bad steps", GenerateRequest{Prompt: "p", Image: img, Options: map[string]any{"steps": 0}}, "steps must be at least 1"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, context.Background(), ts.URL, tt.req)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body.Error, tt.want)
		})
	}
}

func TestGenerateUnsupportedSolver(t *testing.T) {
	s, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	resp := post(t, context.Background(), ts.URL, GenerateRequest{
		Prompt:  "p",
		Image:   encodedImage(t, 64, 64, 0),
		Options: map[string]any{"solver": "ddim"},
	})
	defer resp.Body.Close()

	events := readEvents(t, resp.Body)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)

	var e ErrorEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &e))
	assert.Contains(t, e.Error, "unsupported solver")
	assert.False(t, e.Aborted)
	assert.InDelta(t, 1, testutil.ToFloat64(s.Metrics().Generations("ddim", metrics.StatusError)), 0)
}

func TestGenerateBusy(t *testing.T) {
	s, ts := newTestServer(t, toy.NewPipeline(testConfig()), 0)

	require.True(t, s.queue.TryAcquire(1))
	defer s.queue.Release(1)

	resp := post(t, context.Background(), ts.URL, GenerateRequest{Prompt: "p", Image: encodedImage(t, 8, 8, 0)})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// stallingDenoiser waits for an interrupt from its second step on.
type stallingDenoiser struct {
	*toy.Denoiser
}

func (d stallingDenoiser) Forward(ctx context.Context, in videogen.ForwardInput) ([]*tensor.Tensor, error) {
	deadline := time.Now().Add(10 * time.Second)
	for in.Step > 0 && !in.Gen.Interrupted() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return d.Denoiser.Forward(ctx, in)
}

func TestGenerateClientDisconnect(t *testing.T) {
	p := toy.NewPipeline(testConfig())
	p.Model = stallingDenoiser{p.Model.(*toy.Denoiser)}
	s, ts := newTestServer(t, p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	resp := post(t, ctx, ts.URL, GenerateRequest{Prompt: "p", Image: encodedImage(t, 64, 64, 0)})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event:progress\n", line)

	cancel()
	resp.Body.Close()

	// the pipeline is released once the generation notices the disconnect
	require.NoError(t, s.sem.Acquire(context.Background(), 1))
	s.sem.Release(1)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(s.Metrics().Generations("unipc", metrics.StatusAborted)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConfigHandler(t *testing.T) {
	_, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg ConfigResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, []string{"unipc", "dpm++", "euler"}, cfg.Solvers)
	assert.Equal(t, 4, cfg.Defaults.Steps)
	assert.Equal(t, 1000, cfg.Model.NumTrainTimesteps)
	assert.Contains(t, cfg.Env, "VIDEOGEN_SOLVER")
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "videogen_server_queued_requests 0")
}

func TestRoot(t *testing.T) {
	_, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "videogen is running", string(body))
}

func TestCORS(t *testing.T) {
	_, ts := newTestServer(t, toy.NewPipeline(testConfig()), 1)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/generate", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("http://example.com")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
