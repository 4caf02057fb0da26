package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

const (
	fingerprintSize    = 64 * 1024
	defaultConcurrency = 4
)

// Prober reads media metadata. The encoder package provides the ffprobe
// implementation.
type Prober interface {
	Probe(ctx context.Context, path string) (timeline.Media, error)
}

type CatalogService interface {
	Ingest(ctx context.Context, paths []string) []IngestResult
	Probe(ctx context.Context, path string) (timeline.Media, error)
	Forget(ctx context.Context, path string) error
	CountMedia(ctx context.Context) (int, error)
}

// Service is the media ingestion boundary. Probes are cached in the
// repository and reused while a file is unchanged.
type Service struct {
	repo        Repository
	prober      Prober
	logger      *slog.Logger
	concurrency int
	debugPaths  bool
}

func NewService(repo Repository, prober Prober, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		repo:        repo,
		prober:      prober,
		logger:      logging.WithComponent(logger, "catalog"),
		concurrency: defaultConcurrency,
	}
}

// SetConcurrency bounds the number of probes in flight.
func (s *Service) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// SetDebugPaths logs full paths instead of sanitized ones.
func (s *Service) SetDebugPaths(debug bool) {
	s.debugPaths = debug
}

// Ingest probes every path concurrently. Results are in input order; a
// failure of one file never aborts the batch.
func (s *Service) Ingest(ctx context.Context, paths []string) []IngestResult {
	results := make([]IngestResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			results[i] = s.ingestOne(gctx, path)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	s.logger.Info("ingest batch done", "files", len(paths), "failed", failed)
	return results
}

func (s *Service) ingestOne(ctx context.Context, path string) IngestResult {
	media, cached, err := s.probe(ctx, path)
	if err != nil {
		s.logger.Warn("ingest failed", "path", s.logPath(path), "error", err)
		return IngestResult{Path: path, Error: apperr.DetailOf(err), Kind: apperr.KindOf(err)}
	}
	return IngestResult{Path: path, Media: &media, Cached: cached}
}

// Probe returns complete metadata for one file. It has the shape of
// timeline.ProbeFunc.
func (s *Service) Probe(ctx context.Context, path string) (timeline.Media, error) {
	media, _, err := s.probe(ctx, path)
	return media, err
}

func (s *Service) probe(ctx context.Context, path string) (timeline.Media, bool, error) {
	const op = "probe"
	if !filepath.IsAbs(path) {
		return timeline.Media{}, false, apperr.Validationf(op, "path must be absolute: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return timeline.Media{}, false, apperr.Validationf(op, "file not found: %s", s.logPath(path))
		}
		return timeline.Media{}, false, apperr.Wrap(apperr.KindProbe, op, err)
	}
	if !info.Mode().IsRegular() {
		return timeline.Media{}, false, apperr.Validationf(op, "not a regular file: %s", s.logPath(path))
	}

	fingerprint, err := computeFingerprint(path, info.Size())
	if err != nil {
		return timeline.Media{}, false, apperr.Wrap(apperr.KindProbe, op, err)
	}

	rec, err := s.repo.GetMedia(ctx, path)
	if err != nil {
		s.logger.Warn("probe cache read failed", "error", err)
	} else if rec != nil && rec.Matches(info.Size(), info.ModTime(), fingerprint) && rec.Media.Complete() {
		return rec.Media, true, nil
	}

	media, err := s.prober.Probe(ctx, path)
	if err != nil {
		return timeline.Media{}, false, err
	}
	if !media.Complete() {
		return timeline.Media{}, false, apperr.New(apperr.KindProbe, op, "incomplete metadata for "+s.logPath(path))
	}

	rec = &MediaRecord{
		Media:       media,
		Size:        info.Size(),
		Mtime:       info.ModTime(),
		Fingerprint: fingerprint,
		ProbedAt:    time.Now(),
	}
	if err := s.repo.UpsertMedia(ctx, rec); err != nil {
		s.logger.Warn("probe cache write failed", "error", err)
	}
	return media, false, nil
}

// Forget drops a cached probe.
func (s *Service) Forget(ctx context.Context, path string) error {
	return s.repo.DeleteMedia(ctx, path)
}

func (s *Service) CountMedia(ctx context.Context) (int, error) {
	return s.repo.CountMedia(ctx)
}

func (s *Service) logPath(path string) string {
	if s.debugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

// computeFingerprint hashes the size and the first 64 KiB of the file.
func computeFingerprint(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	fmt.Fprintf(h, "%d:", size)
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
