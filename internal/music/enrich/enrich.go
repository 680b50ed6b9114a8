// Package enrich looks up a Spotify link for a playing track through the
// song.link (Odesli) API. Every failure is reported as "no link".
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/keshon/cadence/pkg/retrylimit"
)

const DefaultEndpoint = "https://api.song.link/v1-alpha.1/links"

type Client struct {
	endpoint string
	http     *http.Client
	limiter  *retrylimit.AdaptiveLimiter
	retry    retrylimit.RetryConfig
	log      zerolog.Logger
}

// New returns a client for endpoint. The public API allows roughly ten
// requests a minute without a key, so the limiter starts slow.
func New(endpoint string, logger zerolog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	log := logger.With().Str("module", "music.enrich").Logger()
	retry := retrylimit.DefaultRetryConfig()
	retry.Logger = log
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 5 * time.Second},
		limiter:  retrylimit.NewAdaptiveLimiter(0.2, 0.05, 1, 0.05, 0.5),
		retry:    retry,
		log:      log,
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithLimiter swaps the rate limiter.
func (c *Client) WithLimiter(l *retrylimit.AdaptiveLimiter) *Client {
	c.limiter = l
	return c
}

type linksResponse struct {
	LinksByPlatform map[string]struct {
		URL            string `json:"url"`
		EntityUniqueID string `json:"entityUniqueId"`
	} `json:"linksByPlatform"`
	EntitiesByUniqueID map[string]struct {
		Title      string `json:"title"`
		ArtistName string `json:"artistName"`
	} `json:"entitiesByUniqueId"`
}

// FindLink returns the Spotify URL for the track at hint. When title is set,
// the match must share enough words with it to count.
func (c *Client) FindLink(ctx context.Context, hint, title string) (string, bool) {
	if !strings.HasPrefix(hint, "http://") && !strings.HasPrefix(hint, "https://") {
		return "", false
	}

	var resp linksResponse
	err := retrylimit.WithRetryConfig(ctx, func() error {
		return c.fetch(ctx, hint, &resp)
	}, c.limiter, c.retry)
	if err != nil {
		c.log.Debug().Err(err).Str("hint", hint).Msg("no cross-platform link")
		return "", false
	}

	spotify, ok := resp.LinksByPlatform["spotify"]
	if !ok || spotify.URL == "" {
		return "", false
	}
	if title != "" {
		if entity, ok := resp.EntitiesByUniqueID[spotify.EntityUniqueID]; ok && entity.Title != "" {
			if !TitlesMatch(title, entity.Title) {
				c.log.Debug().Str("title", title).Str("match", entity.Title).Msg("spotify match rejected")
				return "", false
			}
		}
	}
	return spotify.URL, true
}

func (c *Client) fetch(ctx context.Context, hint string, out *linksResponse) error {
	q := url.Values{}
	q.Set("url", hint)
	q.Set("userCountry", "US")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return retrylimit.Fatal(err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return &retrylimit.StatusError{Code: res.StatusCode, URL: c.endpoint}
	default:
		return retrylimit.Fatal(&retrylimit.StatusError{Code: res.StatusCode, URL: c.endpoint})
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return retrylimit.Fatal(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// TitlesMatch reports whether two titles share at least half of the words
// of the shorter one. Video titles carry noise like "(Official Video)", so
// an exact comparison rejects too much.
func TitlesMatch(a, b string) bool {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	if len(tb) < len(ta) {
		ta, tb = tb, ta
	}
	shared := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			shared++
		}
	}
	return shared*2 >= len(ta)
}

var noise = map[string]struct{}{
	"official": {}, "video": {}, "audio": {}, "lyrics": {}, "lyric": {},
	"hd": {}, "hq": {}, "4k": {}, "remastered": {}, "the": {}, "feat": {}, "ft": {},
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 2 {
			continue
		}
		if _, skip := noise[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
