package layers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	units "github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bibin-skaria/ocidisk/internal/errors"
)

// Store keeps compressed layer archives on disk, one file per digest
type Store struct {
	dir         string
	concurrency int
	log         *logrus.Entry
}

// NewStore creates a layer store rooted at dir. At most concurrency
// downloads run at the same time.
func NewStore(dir string, concurrency int, log *logrus.Entry) *Store {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Store{
		dir:         dir,
		concurrency: concurrency,
		log:         log,
	}
}

// Dir returns the directory holding the archives
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the archive location for digest
func (s *Store) Path(dgst string) string {
	return filepath.Join(s.dir, dgst+archiveSuffix)
}

// Has reports whether the archive for digest is stored locally
func (s *Store) Has(dgst string) bool {
	info, err := os.Stat(s.Path(dgst))
	return err == nil && info.Mode().IsRegular()
}

// Missing returns the digests that are not stored locally, without duplicates
func (s *Store) Missing(digests []string) []string {
	return lo.Filter(lo.Uniq(digests), func(dgst string, _ int) bool {
		return !s.Has(dgst)
	})
}

// FetchMissing downloads every digest that is not stored yet and returns the
// digests that were fetched, in input order
func (s *Store) FetchMissing(ctx context.Context, digests []string, source BlobSource) ([]string, error) {
	missing := s.Missing(digests)
	if len(missing) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, errors.NewIOError("fetch_layers", "failed to create layer directory", err)
	}

	s.log.WithField("count", len(missing)).Info("downloading layers")

	var (
		mu      sync.Mutex
		fetched = make(map[string]bool, len(missing))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, dgst := range missing {
		dgst := dgst
		g.Go(func() error {
			size, err := s.fetch(gctx, dgst, source)
			if err != nil {
				return err
			}

			s.log.WithFields(logrus.Fields{
				"digest": dgst,
				"size":   units.HumanSize(float64(size)),
			}).Debug("layer stored")

			mu.Lock()
			fetched[dgst] = true
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	result := lo.Filter(missing, func(dgst string, _ int) bool {
		return fetched[dgst]
	})
	return result, err
}

func (s *Store) fetch(ctx context.Context, dgst string, source BlobSource) (int64, error) {
	expected, err := digest.Parse(dgst)
	if err != nil {
		return 0, errors.NewRemoteError(errors.KindDigestMismatch, "fetch_layer", fmt.Sprintf("invalid layer digest %q", dgst), err)
	}

	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return 0, errors.NewIOError("fetch_layer", "failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	verifier := expected.Verifier()
	counter := &countingWriter{}
	if err := source.FetchBlob(ctx, dgst, io.MultiWriter(tmp, verifier, counter)); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.NewIOError("fetch_layer", "failed to write layer "+dgst, err)
	}

	if !verifier.Verified() {
		return 0, errors.NewRemoteError(errors.KindDigestMismatch, "fetch_layer",
			fmt.Sprintf("content of layer %s does not match its digest", dgst), nil)
	}

	if err := os.Rename(tmpPath, s.Path(dgst)); err != nil {
		return 0, errors.NewIOError("fetch_layer", "failed to store layer "+dgst, err)
	}
	return counter.n, nil
}

// Remove deletes the archive for digest. A missing archive is not an error.
func (s *Store) Remove(dgst string) error {
	if err := os.Remove(s.Path(dgst)); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("remove_layer", "failed to remove layer "+dgst, err)
	}
	return nil
}

// Open opens the archive for digest
func (s *Store) Open(dgst string) (*os.File, error) {
	f, err := os.Open(s.Path(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStateError(errors.KindNotFound, "open_layer", "layer "+dgst+" is not stored locally", err)
		}
		return nil, errors.NewIOError("open_layer", "failed to open layer "+dgst, err)
	}
	return f, nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
