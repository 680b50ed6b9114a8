package radio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var validContentTypes = []string{
	"audio/",
	"application/ogg",
	"application/octet-stream", // risky but often used for streams
}

var playlistExts = []string{".m3u", ".m3u8", ".pls", ".xspf", ".asx"}

// RadioResolver validates streaming radio links by checking headers and heuristics.
type RadioResolver struct {
	Client *http.Client
}

func NewRadioResolver() *RadioResolver {
	return &RadioResolver{
		Client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// probe describes what a HEAD (or GET fallback) revealed about a link.
type probe struct {
	ContentType string
	FinalURL    string
	Name        string
}

// Probe fetches headers for rawURL without reading the body.
func (r *RadioResolver) Probe(ctx context.Context, rawURL string) (probe, error) {
	resp, err := r.do(ctx, http.MethodHead, rawURL)
	if err != nil || resp.StatusCode >= 400 {
		if resp != nil {
			resp.Body.Close()
		}
		// some stream servers reject HEAD
		resp, err = r.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			return probe{}, fmt.Errorf("GET fallback failed: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return probe{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return probe{
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		Name:        resp.Header.Get("icy-name"),
	}, nil
}

func (r *RadioResolver) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	return r.Client.Do(req)
}

// Stream opens the body of rawURL for playback. The caller closes it.
func (r *RadioResolver) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	// streams are unbounded, so no client timeout here
	client := &http.Client{Transport: r.Client.Transport, CheckRedirect: r.Client.CheckRedirect}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func isAllowedType(contentType string) bool {
	// strip params like "audio/mpeg; charset=utf-8"
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = contentType[:idx]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range validContentTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

// isPlaylistFile reports station playlists (m3u, pls) which the decoder can
// not read from a pipe.
func isPlaylistFile(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, e := range playlistExts {
		if ext == e {
			return true
		}
	}
	return false
}

func displayName(p probe) string {
	if p.Name != "" {
		return p.Name
	}
	u, err := url.Parse(p.FinalURL)
	if err != nil {
		return p.FinalURL
	}
	if base := path.Base(u.Path); base != "/" && base != "." {
		return u.Host + " - " + base
	}
	return u.Host
}
