package hls

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// Merger downloads HLS playlists segment by segment and hands the pieces
// to an external concat tool (ffmpeg by default) to produce a single file.
type Merger struct {
	config  *common.MergerConfig
	fetcher interfaces.Fetcher
	logger  arbor.ILogger
}

// NewMerger builds a merger around the given fetcher.
func NewMerger(config *common.MergerConfig, fetcher interfaces.Fetcher, logger arbor.ILogger) *Merger {
	return &Merger{config: config, fetcher: fetcher, logger: logger}
}

// DownloadAndMerge resolves the playlist (following one level of master
// indirection), downloads every segment into a scratch directory, and
// merges them into outputPath.
func (m *Merger) DownloadAndMerge(ctx context.Context, playlistURL, referer, outputPath string) error {
	segments, err := m.resolveSegments(ctx, playlistURL, referer)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("playlist %s has no segments: %w", playlistURL, common.ErrInvalidInput)
	}

	scratch, err := os.MkdirTemp("", "hls-segments-")
	if err != nil {
		return &common.StorageError{Op: "create scratch directory", Err: err}
	}
	defer os.RemoveAll(scratch)

	m.logger.Info().
		Str("playlist", playlistURL).
		Int("segments", len(segments)).
		Msg("Downloading HLS segments")

	opts := &interfaces.FetchOptions{Referer: referer}
	localPaths := make([]string, 0, len(segments))
	for i, segURL := range segments {
		if ctx.Err() != nil {
			return common.ErrCancelled
		}

		local := filepath.Join(scratch, fmt.Sprintf("seg_%05d.ts", i))
		if err := m.downloadSegment(ctx, segURL, local, opts); err != nil {
			return fmt.Errorf("segment %d of %d: %w", i+1, len(segments), err)
		}
		localPaths = append(localPaths, local)
	}

	listPath := filepath.Join(scratch, "filelist.txt")
	if err := WriteFileList(listPath, localPaths); err != nil {
		return err
	}

	return m.Merge(ctx, listPath, outputPath)
}

func (m *Merger) resolveSegments(ctx context.Context, playlistURL, referer string) ([]string, error) {
	opts := &interfaces.FetchOptions{Referer: referer}

	resp, err := m.fetcher.Get(ctx, playlistURL, opts)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(resp.FinalURL)
	if err != nil {
		return nil, fmt.Errorf("playlist URL %q: %w", resp.FinalURL, common.ErrInvalidInput)
	}

	segments, variant := ParsePlaylist(base, resp.Body)
	if variant == "" {
		return segments, nil
	}

	// Master playlist: follow the chosen variant once.
	resp, err = m.fetcher.Get(ctx, variant, opts)
	if err != nil {
		return nil, err
	}
	base, err = url.Parse(resp.FinalURL)
	if err != nil {
		return nil, fmt.Errorf("variant URL %q: %w", resp.FinalURL, common.ErrInvalidInput)
	}

	segments, nested := ParsePlaylist(base, resp.Body)
	if nested != "" {
		return nil, fmt.Errorf("nested master playlists are not supported: %w", common.ErrInvalidInput)
	}
	return segments, nil
}

// ParsePlaylist reads an M3U8 body. For a media playlist it returns the
// resolved segment URLs. For a master playlist it returns the highest-
// bandwidth variant URL instead.
func ParsePlaylist(base *url.URL, body []byte) (segments []string, variant string) {
	var bestBandwidth int64 = -1
	expectVariant := false
	var pendingBandwidth int64

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			expectVariant = true
			pendingBandwidth = parseBandwidth(line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		resolved, err := base.Parse(line)
		if err != nil {
			continue
		}

		if expectVariant {
			expectVariant = false
			if pendingBandwidth > bestBandwidth {
				bestBandwidth = pendingBandwidth
				variant = resolved.String()
			}
			continue
		}

		segments = append(segments, resolved.String())
	}

	if variant != "" {
		return nil, variant
	}
	return segments, ""
}

func parseBandwidth(line string) int64 {
	for _, attr := range strings.Split(line, ",") {
		k, v, found := strings.Cut(attr, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(strings.ToUpper(k)) == "BANDWIDTH" || strings.HasSuffix(strings.ToUpper(k), ":BANDWIDTH") {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func (m *Merger) downloadSegment(ctx context.Context, segURL, localPath string, opts *interfaces.FetchOptions) error {
	resp, err := m.fetcher.GetStream(ctx, segURL, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return &common.StorageError{Op: "create segment file", Err: err}
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(localPath)
		return &common.NetworkError{URL: segURL, Err: err}
	}
	return f.Close()
}

// WriteFileList writes the concat demuxer input: one `file '<path>'` line
// per segment, with forward slashes regardless of platform.
func WriteFileList(path string, segments []string) error {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString("file '")
		b.WriteString(filepath.ToSlash(seg))
		b.WriteString("'\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return &common.StorageError{Op: "write file list", Err: err}
	}
	return nil
}

// Merge invokes the external tool on a prepared file list. A non-zero exit
// or a blown timeout fails the merge.
func (m *Merger) Merge(ctx context.Context, listPath, outputPath string) error {
	command := m.config.Command
	if command == "" {
		command = "ffmpeg"
	}
	timeout := m.config.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	mergeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(mergeCtx, command,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if mergeCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("merge timed out after %s", timeout)
		}
		m.logger.Warn().
			Str("command", command).
			Str("output", truncate(string(output), 500)).
			Err(err).
			Msg("Merge command failed")
		return fmt.Errorf("merge failed: %w", err)
	}

	m.logger.Info().Str("output", outputPath).Msg("Merge completed")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
