package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/qq1064990473/open-xiaoai/internal/assistant"
	"github.com/qq1064990473/open-xiaoai/internal/playback"
	"github.com/qq1064990473/open-xiaoai/internal/speaker"
)

type fakeDevice struct{}

func (fakeDevice) Status() speaker.Status {
	return speaker.Status{Connected: true, SessionID: "s-1", Playing: playback.StatusPlaying}
}

type fakeController struct {
	mu      sync.Mutex
	queries []string
	stops   int
	closes  int
}

func (c *fakeController) Status() assistant.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := assistant.Status{ChannelOpen: true}
	if len(c.queries) > 0 {
		status.MusicQuery = c.queries[len(c.queries)-1]
	}
	return status
}

func (c *fakeController) PlayMusic(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
}

func (c *fakeController) StopMusic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeController) CloseChannel(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func newTestRouter(control *fakeController) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("up 1\n"))
	})
	return NewRouter(fakeDevice{}, control, ws, metrics, nil)
}

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := serve(newTestRouter(&fakeController{}), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body=%s, want ok", rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	control := &fakeController{queries: []string{"晴天"}}
	rec := serve(newTestRouter(control), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	var body struct {
		Device    speaker.Status   `json:"device"`
		Assistant assistant.Status `json:"assistant"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Device.Connected || body.Device.SessionID != "s-1" {
		t.Fatalf("device=%+v, want connected s-1", body.Device)
	}
	if !body.Assistant.ChannelOpen || body.Assistant.MusicQuery != "晴天" {
		t.Fatalf("assistant=%+v, want open channel playing 晴天", body.Assistant)
	}
}

func TestPlayMusic(t *testing.T) {
	control := &fakeController{}
	rec := serve(newTestRouter(control), http.MethodPost, "/api/music/play", `{"query":" 晴天 "}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	if len(control.queries) != 1 || control.queries[0] != "晴天" {
		t.Fatalf("queries=%v, want [晴天]", control.queries)
	}
}

func TestPlayMusicRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "empty query", body: `{"query":"  "}`},
		{name: "invalid json", body: `{"query":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			control := &fakeController{}
			rec := serve(newTestRouter(control), http.MethodPost, "/api/music/play", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", rec.Code)
			}
			if len(control.queries) != 0 {
				t.Fatalf("queries=%v, want none", control.queries)
			}
		})
	}
}

func TestStopMusicAndCloseChannel(t *testing.T) {
	control := &fakeController{}
	router := newTestRouter(control)

	if rec := serve(router, http.MethodPost, "/api/music/stop", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("stop status=%d, want 204", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/api/channel/close", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("close status=%d, want 204", rec.Code)
	}
	if control.stops != 1 || control.closes != 1 {
		t.Fatalf("stops=%d closes=%d, want 1 and 1", control.stops, control.closes)
	}
}

func TestWebsocketRouteDelegates(t *testing.T) {
	rec := serve(newTestRouter(&fakeController{}), http.MethodGet, "/ws", "")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status=%d, want delegated handler status", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	rec := serve(newTestRouter(&fakeController{}), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "up 1\n" {
		t.Fatalf("status=%d body=%q, want delegated metrics", rec.Code, rec.Body.String())
	}
}
