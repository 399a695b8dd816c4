package music

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const qqSearchModule = "music.search.SearchCgiService"

// QQConfig configures QQCatalog.
type QQConfig struct {
	SearchURL   string
	PlayURLBase string
	PageSize    int
	Timeout     time.Duration
	UserAgent   string
}

// QQCatalog searches the QQ music desktop search API and resolves play URLs
// through a mid -> url resolver.
type QQCatalog struct {
	cfg    QQConfig
	client *http.Client
	logger *zap.Logger
}

type qqSearchRequest struct {
	Search qqSearchCall `json:"music.search.SearchCgiService"`
}

type qqSearchCall struct {
	Method string        `json:"method"`
	Module string        `json:"module"`
	Param  qqSearchParam `json:"param"`
}

type qqSearchParam struct {
	NumPerPage int    `json:"num_per_page"`
	PageNum    int    `json:"page_num"`
	Query      string `json:"query"`
	SearchType int    `json:"search_type"`
}

type qqSearchResponse struct {
	Search struct {
		Data struct {
			Body struct {
				Song struct {
					List []qqSong `json:"list"`
				} `json:"song"`
			} `json:"body"`
		} `json:"data"`
	} `json:"music.search.SearchCgiService"`
}

type qqSong struct {
	Mid      string `json:"mid"`
	Title    string `json:"title"`
	Name     string `json:"name"`
	Interval int    `json:"interval"`
	Singer   []struct {
		Name string `json:"name"`
	} `json:"singer"`
}

type qqPlayURLResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// NewQQCatalog creates a catalog client. A nil client gets one with cfg.Timeout.
func NewQQCatalog(cfg QQConfig, client *http.Client, logger *zap.Logger) *QQCatalog {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QQCatalog{cfg: cfg, client: client, logger: logger}
}

// Search executes the search method.
func (c *QQCatalog) Search(ctx context.Context, query string, page int) ([]Track, error) {
	if page < 1 {
		page = 1
	}
	body, err := json.Marshal(qqSearchRequest{Search: qqSearchCall{
		Method: "DoSearchForQQMusicDesktop",
		Module: qqSearchModule,
		Param: qqSearchParam{
			NumPerPage: c.cfg.PageSize,
			PageNum:    page,
			Query:      query,
		},
	}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SearchURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	var resp qqSearchResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("music search %q page %d: %w", query, page, err)
	}

	songs := resp.Search.Data.Body.Song.List
	tracks := make([]Track, 0, len(songs))
	for _, song := range songs {
		if song.Mid == "" {
			continue
		}
		tracks = append(tracks, song.track())
	}
	c.logger.Debug("music search",
		zap.String("query", query),
		zap.Int("page", page),
		zap.Int("results", len(tracks)),
	)
	return tracks, nil
}

// PlayURL executes the playURL method.
func (c *QQCatalog) PlayURL(ctx context.Context, trackID string) (string, error) {
	endpoint, err := url.Parse(c.cfg.PlayURLBase)
	if err != nil {
		return "", err
	}
	query := endpoint.Query()
	query.Set("id", trackID)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	var resp qqPlayURLResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("music play url %s: %w", trackID, err)
	}
	playURL := strings.TrimSpace(resp.Data.URL)
	if playURL == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPlayURL, trackID)
	}
	return playURL, nil
}

func (c *QQCatalog) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	// The search endpoint answers with a text/plain content type.
	return json.Unmarshal(data, out)
}

func (s qqSong) track() Track {
	title := s.Title
	if title == "" {
		title = s.Name
	}
	artist := ""
	if len(s.Singer) > 0 {
		artist = s.Singer[0].Name
	}
	duration := time.Duration(s.Interval) * time.Second
	if duration <= 0 {
		duration = DefaultTrackDuration
	}
	return Track{ID: s.Mid, Title: title, Artist: artist, Duration: duration}
}
