// Package artifact assembles the zip archives returned to RCON operators:
// screenshots, console logs and bug reports.
package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rcond/internal/util"
)

// ErrNoScreenshot is returned when the screenshot directory holds no image.
var ErrNoScreenshot = errors.New("no screenshot available")

// DefaultLogFiles is how many of the newest log files go into a console log.
const DefaultLogFiles = 3

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".tga": true, ".bmp": true}

// ConsoleSource supplies console history and variables. Both methods are
// called off the frame loop.
type ConsoleSource interface {
	Lines() []string
	DumpVars() string
}

// Config holds the directories archives are assembled from.
type Config struct {
	ScreenshotDir string
	LogDir        string
	// ArchiveDir receives a copy of every bug report. Empty disables it.
	ArchiveDir string
	LogFiles   int
	// MaxFileSize skips log files larger than this many bytes.
	MaxFileSize int64
}

// Builder implements remoteaccess.ArtifactSource.
type Builder struct {
	cfg     Config
	console ConsoleSource
	sysInfo func() util.SystemInfo
	now     func() time.Time
	logger  zerolog.Logger
}

// NewBuilder creates a builder reading console state from console.
func NewBuilder(cfg Config, console ConsoleSource) *Builder {
	if cfg.LogFiles <= 0 {
		cfg.LogFiles = DefaultLogFiles
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 8 * 1024 * 1024
	}
	return &Builder{
		cfg:     cfg,
		console: console,
		sysInfo: util.GetSystemInfo,
		now:     time.Now,
		logger:  util.ComponentLogger("artifact"),
	}
}

// Screenshot archives the newest image in the screenshot directory.
func (b *Builder) Screenshot() ([]byte, error) {
	files, err := newestFiles(b.cfg.ScreenshotDir, 1, func(name string) bool {
		return imageExts[strings.ToLower(filepath.Ext(name))]
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoScreenshot
	}

	a := newArchive()
	if err := a.addFile(filepath.Base(files[0]), files[0]); err != nil {
		return nil, err
	}
	b.logger.Info().Str("file", files[0]).Msg("screenshot archived")
	return a.close()
}

// ConsoleLog archives the in-memory console history and the newest log files.
func (b *Builder) ConsoleLog() ([]byte, error) {
	a := newArchive()
	if err := a.addBytes("console.txt", b.consoleText()); err != nil {
		return nil, err
	}
	if err := b.addLogs(a); err != nil {
		return nil, err
	}
	return a.close()
}

// BugReport archives the description with the console log, variables and
// host information.
func (b *Builder) BugReport(description string) ([]byte, error) {
	now := b.now()
	a := newArchive()

	header := fmt.Sprintf("submitted: %s\n\n%s\n", now.UTC().Format(time.RFC3339), description)
	if err := a.addBytes("description.txt", []byte(header)); err != nil {
		return nil, err
	}
	if err := a.addBytes("console.txt", b.consoleText()); err != nil {
		return nil, err
	}
	if b.console != nil {
		if err := a.addBytes("cvars.cfg", []byte(b.console.DumpVars())); err != nil {
			return nil, err
		}
	}
	sys, err := json.MarshalIndent(b.sysInfo(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode system info: %w", err)
	}
	if err := a.addBytes("system.json", sys); err != nil {
		return nil, err
	}
	if err := b.addLogs(a); err != nil {
		return nil, err
	}

	blob, err := a.close()
	if err != nil {
		return nil, err
	}
	b.keep(blob, now)
	return blob, nil
}

// keep stores a copy of a bug report under ArchiveDir. Failures are logged
// only; the operator still receives the archive.
func (b *Builder) keep(blob []byte, now time.Time) {
	if b.cfg.ArchiveDir == "" {
		return
	}
	if err := os.MkdirAll(b.cfg.ArchiveDir, 0755); err != nil {
		b.logger.Warn().Err(err).Msg("failed to create archive directory")
		return
	}
	path := filepath.Join(b.cfg.ArchiveDir, fmt.Sprintf("bugreport_%s.zip", now.Format("20060102_150405")))
	if err := os.WriteFile(path, blob, 0644); err != nil {
		b.logger.Warn().Err(err).Str("path", path).Msg("failed to store bug report")
		return
	}
	b.logger.Info().Str("path", path).Int("bytes", len(blob)).Msg("bug report stored")
}

func (b *Builder) consoleText() []byte {
	if b.console == nil {
		return nil
	}
	lines := b.console.Lines()
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func (b *Builder) addLogs(a *archive) error {
	files, err := newestFiles(b.cfg.LogDir, b.cfg.LogFiles, func(name string) bool {
		return strings.HasSuffix(strings.ToLower(name), ".log")
	})
	if err != nil {
		// Missing log directory is not fatal for a console log.
		b.logger.Debug().Err(err).Msg("log files unavailable")
		return nil
	}
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.Size() > b.cfg.MaxFileSize {
			b.logger.Debug().Str("file", f).Int64("size", info.Size()).Msg("log file too large, skipped")
			continue
		}
		if err := a.addFile(filepath.Join("logs", filepath.Base(f)), f); err != nil {
			return err
		}
	}
	return nil
}

// newestFiles returns up to n regular files in dir accepted by match,
// newest first.
func newestFiles(dir string, n int, match func(string) bool) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory not configured")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].path > found[j].path
		}
		return found[i].mod.After(found[j].mod)
	})

	if len(found) > n {
		found = found[:n]
	}
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out, nil
}

type archive struct {
	buf bytes.Buffer
	zw  *zip.Writer
}

func newArchive() *archive {
	a := &archive{}
	a.zw = zip.NewWriter(&a.buf)
	return a
}

func (a *archive) addBytes(name string, data []byte) error {
	w, err := a.zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (a *archive) addFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	w, err := a.zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy %s: %w", path, err)
	}
	return nil
}

func (a *archive) close() ([]byte, error) {
	if err := a.zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return a.buf.Bytes(), nil
}
