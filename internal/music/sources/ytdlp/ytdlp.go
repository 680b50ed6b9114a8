// Package ytdlp resolves and streams anything yt-dlp understands, including
// plain-text searches.
package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goytdlp "github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog"

	"github.com/keshon/cadence/internal/music/sources"
)

const (
	audioFormat    = "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best"
	searchPrefix   = "ytsearch1:"
	metadataFields = "%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s\t%(id)s"
)

// Options configure the yt-dlp source.
type Options struct {
	Executable string // yt-dlp binary, "" for PATH lookup
	Proxy      string
	// CacheDir receives downloads when Spool is set; entries then play from disk.
	CacheDir string
	Spool    bool
}

type YtdlpSource struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *YtdlpSource {
	return &YtdlpSource{
		opts: opts,
		log:  logger.With().Str("module", "sources.ytdlp").Logger(),
	}
}

// Match accepts any http(s) link and any plain-text query.
func (s *YtdlpSource) Match(input string) bool {
	return strings.TrimSpace(input) != ""
}

func (s *YtdlpSource) SourceName() string {
	return sources.SourceYtdlp
}

func (s *YtdlpSource) command() *goytdlp.Command {
	cmd := goytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig().
		NoPlaylist()
	if s.opts.Executable != "" {
		cmd.SetExecutable(s.opts.Executable)
	}
	if s.opts.Proxy != "" {
		cmd.Proxy(s.opts.Proxy)
	}
	return cmd
}

func (s *YtdlpSource) Resolve(ctx context.Context, input string) (sources.TrackInfo, error) {
	input = strings.TrimSpace(input)
	target := input
	if !isURL(input) {
		target = searchPrefix + input
	}

	res, err := s.command().
		Print(metadataFields).
		Run(ctx, "--skip-download", target)
	if err != nil {
		if ctx.Err() != nil {
			return sources.TrackInfo{}, ctx.Err()
		}
		stderr := ""
		if res != nil {
			stderr = strings.TrimSpace(res.Stderr)
		}
		s.log.Debug().Err(err).Str("input", input).Str("stderr", stderr).Msg("metadata lookup failed")
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: fmt.Errorf("%w: %v", sources.ErrNotFound, err)}
	}

	info, ok := parseMetadata(res.Stdout)
	if !ok {
		return sources.TrackInfo{}, &sources.ResolutionError{URI: input, Err: sources.ErrNotFound}
	}
	info.SourceName = sources.SourceYtdlp
	info.Stream = sources.StreamDescriptor{
		Source: sources.SourceYtdlp,
		Ref:    info.URL,
		Format: audioFormat,
	}
	return info, nil
}

// parseMetadata reads the first complete line printed with metadataFields.
func parseMetadata(stdout string) (sources.TrackInfo, bool) {
	for _, l := range strings.Split(strings.TrimSpace(stdout), "\n") {
		ps := strings.Split(strings.TrimRight(l, "\r"), "\t")
		if len(ps) < 6 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		info := sources.TrackInfo{
			URL:      ps[0],
			Title:    naToEmpty(ps[1]),
			Author:   naToEmpty(ps[2]),
			Duration: parseSeconds(ps[3]),
		}
		info.ThumbnailURL = naToEmpty(ps[4])
		if info.Title == "" {
			info.Title = ps[5]
		}
		return info, true
	}
	return sources.TrackInfo{}, false
}

func (s *YtdlpSource) Open(ctx context.Context, desc sources.StreamDescriptor) (io.ReadCloser, error) {
	format := desc.Format
	if format == "" {
		format = audioFormat
	}
	if s.opts.Spool && s.opts.CacheDir != "" {
		return s.openCached(ctx, desc.Ref, format)
	}
	return s.openPipe(ctx, desc.Ref, format)
}

// openCached downloads into the cache directory once and plays from disk.
func (s *YtdlpSource) openCached(ctx context.Context, ref, format string) (io.ReadCloser, error) {
	if err := os.MkdirAll(s.opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	res, err := s.command().
		Format(format).
		Output(filepath.Join(s.opts.CacheDir, "%(id)s.%(ext)s")).
		NoPart().
		NoSimulate().
		Print("after_move:filepath").
		Run(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp download: %w", err)
	}

	path := lastLine(res.Stdout)
	if path == "" {
		return nil, errors.New("yt-dlp did not report a file path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cached audio: %w", err)
	}
	s.log.Debug().Str("path", path).Msg("playing from cache")
	return f, nil
}

func (s *YtdlpSource) openPipe(ctx context.Context, ref, format string) (io.ReadCloser, error) {
	pctx, cancel := context.WithCancel(ctx)
	cmd := s.command().
		Format(format).
		Output("-").
		NoSimulate().
		NoPart().
		NoCheckCertificates().
		BuildCommand(pctx, ref)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("yt-dlp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("yt-dlp start: %w", err)
	}
	return &processReader{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

// processReader reaps the download process when the reader is closed.
type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (p *processReader) Close() error {
	p.cancel()
	err := p.ReadCloser.Close()
	_ = p.cmd.Wait()
	return err
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func naToEmpty(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
