package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/qq1064990473/open-xiaoai/internal/music"
)

type stubCatalog struct {
	err error
}

func (c stubCatalog) Search(context.Context, string, int) ([]music.Track, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []music.Track{{ID: "a"}}, nil
}

func (c stubCatalog) PlayURL(context.Context, string) (string, error) {
	return "http://example.com/a.mp3", c.err
}

type stubPlayer struct {
	err error
}

func (p stubPlayer) PlayQuery(context.Context, string) error { return p.err }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func expectLine(t *testing.T, body, line string) {
	t.Helper()
	for _, got := range strings.Split(body, "\n") {
		if got == line {
			return
		}
	}
	t.Fatalf("scrape missing %q:\n%s", line, body)
}

func TestInstrumentCatalog(t *testing.T) {
	m := New("test")
	ctx := context.Background()

	if _, err := m.InstrumentCatalog(stubCatalog{}).Search(ctx, "q", 1); err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if _, err := m.InstrumentCatalog(stubCatalog{err: music.ErrNoPlayURL}).PlayURL(ctx, "a"); !errors.Is(err, music.ErrNoPlayURL) {
		t.Fatalf("PlayURL error=%v, want ErrNoPlayURL", err)
	}

	body := scrape(t, m)
	expectLine(t, body, `test_catalog_requests_total{operation="search",result="ok"} 1`)
	expectLine(t, body, `test_catalog_requests_total{operation="play_url",result="no_url"} 1`)
	expectLine(t, body, `test_catalog_request_duration_seconds_count{operation="search"} 1`)
}

func TestInstrumentPlayer(t *testing.T) {
	m := New("test")
	ctx := context.Background()

	_ = m.InstrumentPlayer(stubPlayer{}).PlayQuery(ctx, "q")
	_ = m.InstrumentPlayer(stubPlayer{err: context.Canceled}).PlayQuery(ctx, "q")
	_ = m.InstrumentPlayer(stubPlayer{err: fmt.Errorf("%w: q", music.ErrNotFound)}).PlayQuery(ctx, "q")

	body := scrape(t, m)
	for _, result := range []string{"ok", "cancelled", "not_found"} {
		expectLine(t, body, fmt.Sprintf(`test_playlist_walks_total{result=%q} 1`, result))
	}
	expectLine(t, body, "test_playlist_walks_active 0")
}

func TestRegisterGauge(t *testing.T) {
	m := New("test")
	connected := true
	m.RegisterGauge("speaker_connected", "Speaker agent connected", func() bool { return connected })

	expectLine(t, scrape(t, m), "test_speaker_connected 1")
	connected = false
	expectLine(t, scrape(t, m), "test_speaker_connected 0")
}
