// Package vault mirrors an Obsidian-style directory of markdown files into
// captured notes. Every file revision gets a deterministic external id, so
// the capture endpoint's (source, externalId) dedup makes re-syncing cheap:
// an unchanged file costs nothing, a touched file becomes exactly one new
// note.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Note is one vault file revision ready to be captured.
type Note struct {
	// Path is the absolute location on disk. It travels in the capture
	// metadata as filePath, which evidence permalinks are built from.
	Path string
	// VaultPath is the slash-separated path relative to the vault root.
	// It is the stable half of the external id.
	VaultPath  string
	Content    string
	ModTime    time.Time
	ExternalID string
}

// Uploader posts one note to the capture endpoint. The boolean reports
// whether the server had already seen this revision.
type Uploader interface {
	Upload(ctx context.Context, note Note) (deduped bool, err error)
}

// Outcome classifies what happened to one file during a sync pass.
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeDeduped  Outcome = "deduped"
	OutcomeFailed   Outcome = "failed"
	// OutcomePending marks a file a dry run would have uploaded.
	OutcomePending Outcome = "pending"
)

// FileSync is the per-file line of a sync report. Skipped files are counted
// but not listed; a large vault would otherwise drown the interesting rows.
type FileSync struct {
	Path       string  `json:"path"`
	ExternalID string  `json:"externalId"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// Report summarizes one sync pass.
type Report struct {
	Files    []FileSync `json:"files,omitempty"`
	Scanned  int        `json:"scanned"`
	Uploaded int        `json:"uploaded"`
	Deduped  int        `json:"deduped"`
	Skipped  int        `json:"skipped"`
	Failed   int        `json:"failed"`
	Pending  int        `json:"pending,omitempty"`
	DryRun   bool       `json:"dryRun,omitempty"`
}

func (r *Report) record(f FileSync) {
	r.Files = append(r.Files, f)
	switch f.Outcome {
	case OutcomeUploaded:
		r.Uploaded++
	case OutcomeDeduped:
		r.Deduped++
	case OutcomeFailed:
		r.Failed++
	case OutcomePending:
		r.Pending++
	}
}

// SyncOptions narrow a sync pass.
type SyncOptions struct {
	// Since skips files last modified before this instant. Zero means no
	// cutoff.
	Since time.Time
	// DryRun reports what would upload without calling the server.
	DryRun bool
}

// Scanner walks a vault and uploads changed markdown files. Successful
// uploads are remembered by mtime, so repeated passes (the watch loop runs
// one per filesystem event burst) only touch files that actually changed.
type Scanner struct {
	root     string
	uploader Uploader
	logger   *zap.Logger
	debounce time.Duration

	mu     sync.Mutex
	synced map[string]time.Time
}

// New returns a scanner rooted at dir. A nil logger disables logging.
func New(dir string, uploader Uploader, logger *zap.Logger) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}
	return &Scanner{
		root:     root,
		uploader: uploader,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		synced:   make(map[string]time.Time),
	}, nil
}

// ExternalID derives the capture identity of one file revision:
// SHA-256 over "<vaultPath>:<mtime millis>". The vault-relative path keeps
// the id stable when the vault itself moves; any content save bumps the
// mtime and yields a fresh id.
func ExternalID(vaultPath string, mtime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", vaultPath, mtime.UnixMilli())))
	return hex.EncodeToString(sum[:])
}

// Sync walks the vault once and uploads every markdown file modified since
// the last successful pass. Upload failures are recorded in the report and
// do not stop the walk; the failed file stays unsynced and is retried next
// pass. The returned error covers the walk itself (unreadable directories,
// canceled context).
func (s *Scanner) Sync(ctx context.Context, opts SyncOptions) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{DryRun: opts.DryRun}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// Dot directories hold vault machinery (.obsidian, .git,
			// .trash), never notes.
			if path != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		report.Scanned++
		return s.syncFile(ctx, path, d, opts, report)
	})
	if err != nil {
		return nil, fmt.Errorf("walking vault %s: %w", s.root, err)
	}
	s.logger.Info("vault sync pass complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("uploaded", report.Uploaded),
		zap.Int("deduped", report.Deduped),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Bool("dryRun", opts.DryRun))
	return report, nil
}

func (s *Scanner) syncFile(ctx context.Context, path string, d fs.DirEntry, opts SyncOptions, report *Report) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)

	info, err := d.Info()
	if err != nil {
		report.record(FileSync{Path: rel, Outcome: OutcomeFailed, Error: err.Error()})
		return nil
	}
	mtime := info.ModTime()

	if !opts.Since.IsZero() && mtime.Before(opts.Since) {
		report.Skipped++
		return nil
	}
	if last, ok := s.synced[rel]; ok && last.Equal(mtime) {
		report.Skipped++
		return nil
	}

	id := ExternalID(rel, mtime)
	if opts.DryRun {
		report.record(FileSync{Path: rel, ExternalID: id, Outcome: OutcomePending})
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		report.record(FileSync{Path: rel, ExternalID: id, Outcome: OutcomeFailed, Error: err.Error()})
		s.logger.Warn("reading vault file failed", zap.String("path", rel), zap.Error(err))
		return nil
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		// Capture rejects empty content; an empty note carries nothing
		// to extract anyway.
		report.Skipped++
		return nil
	}

	deduped, err := s.uploader.Upload(ctx, Note{
		Path:       path,
		VaultPath:  rel,
		Content:    string(content),
		ModTime:    mtime,
		ExternalID: id,
	})
	if err != nil {
		report.record(FileSync{Path: rel, ExternalID: id, Outcome: OutcomeFailed, Error: err.Error()})
		s.logger.Warn("uploading vault file failed", zap.String("path", rel), zap.Error(err))
		return nil
	}
	s.synced[rel] = mtime

	outcome := OutcomeUploaded
	if deduped {
		outcome = OutcomeDeduped
	}
	report.record(FileSync{Path: rel, ExternalID: id, Outcome: outcome})
	return nil
}
