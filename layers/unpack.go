package layers

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocidisk/internal/errors"
)

const permissionBits = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky

// Unpack applies the layers stored in layerDir to dest in the given order
func Unpack(layerDir string, digests []string, dest string, log *logrus.Entry) error {
	return NewStore(layerDir, 1, log).Unpack(digests, dest)
}

// Unpack applies the stored layers to dest in the given order. Later layers
// shadow entries of earlier ones.
func (s *Store) Unpack(digests []string, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.NewIOError("unpack", "failed to create target directory", err)
	}

	for i, dgst := range digests {
		s.log.WithFields(logrus.Fields{
			"digest": dgst,
			"index":  i,
		}).Debug("applying layer")

		if err := s.applyLayer(dgst, dest); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyLayer(dgst, dest string) error {
	f, err := s.Open(dgst)
	if err != nil {
		return err
	}
	defer f.Close()

	stream, err := decompress(f)
	if err != nil {
		return errors.NewIOError("unpack", "failed to decompress layer "+dgst, err)
	}
	defer stream.Close()

	a := &applier{
		root:   dest,
		added:  make(map[string]struct{}),
		asRoot: os.Geteuid() == 0,
		log:    s.log,
	}

	tr := tar.NewReader(stream)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewIOError("unpack", "failed to read tar header in layer "+dgst, err)
		}

		if err := a.apply(tr, header); err != nil {
			return errors.NewIOError("unpack", fmt.Sprintf("failed to extract %s from layer %s", header.Name, dgst), err)
		}
	}
	return nil
}

// decompress wraps r in a decoder chosen from its leading bytes
func decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	compression, err := DetectCompression(br)
	if err != nil {
		return nil, err
	}

	switch compression {
	case CompressionGzip:
		return gzip.NewReader(br)

	case CompressionZstd:
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil

	default:
		return io.NopCloser(br), nil
	}
}

// applier writes the entries of one layer. added holds the paths written by
// the current layer so that an opaque whiteout only hides lower content.
type applier struct {
	root   string
	added  map[string]struct{}
	asRoot bool
	log    *logrus.Entry
}

func (a *applier) apply(tr *tar.Reader, header *tar.Header) error {
	name := filepath.Clean("/" + header.Name)
	if name == "/" {
		return nil
	}

	dir, base := filepath.Split(name)

	if strings.HasPrefix(base, whiteoutPrefix) {
		return a.whiteout(dir, base)
	}

	// Resolve the parent inside the root; the last component is not
	// followed so that symlinks can be replaced rather than written through.
	parent, err := securejoin.SecureJoin(a.root, dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}
	target := filepath.Join(parent, base)

	switch header.Typeflag {
	case tar.TypeDir:
		if err := a.replaceNonDir(target); err != nil {
			return err
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}

	case tar.TypeReg:
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := writeFile(target, tr); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := os.Symlink(header.Linkname, target); err != nil {
			return err
		}

	case tar.TypeLink:
		source, err := securejoin.SecureJoin(a.root, header.Linkname)
		if err != nil {
			return err
		}
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return err
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		if !a.asRoot && header.Typeflag != tar.TypeFifo {
			a.log.WithField("path", name).Debug("skipping device node, not running as root")
			return nil
		}
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := makeNode(target, header); err != nil {
			return err
		}

	default:
		a.log.WithFields(logrus.Fields{
			"path": name,
			"type": string(header.Typeflag),
		}).Debug("skipping unsupported tar entry")
		return nil
	}

	a.added[name] = struct{}{}
	return a.restoreMetadata(target, header)
}

func (a *applier) restoreMetadata(target string, header *tar.Header) error {
	if a.asRoot {
		if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
			return err
		}
	}

	if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
		return nil
	}

	mode := header.FileInfo().Mode() & permissionBits
	if err := os.Chmod(target, mode); err != nil {
		return err
	}

	if header.Typeflag == tar.TypeDir {
		return nil
	}
	return os.Chtimes(target, header.ModTime, header.ModTime)
}

// whiteout handles .wh.<name> and .wh..wh..opq entries found in dir
func (a *applier) whiteout(dir, base string) error {
	parent, err := securejoin.SecureJoin(a.root, dir)
	if err != nil {
		return err
	}

	if base == whiteoutOpaque {
		entries, err := os.ReadDir(parent)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if _, ok := a.added[filepath.Join(dir, entry.Name())]; ok {
				continue
			}
			if err := os.RemoveAll(filepath.Join(parent, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	original := strings.TrimPrefix(base, whiteoutPrefix)
	if original == "" || original == "." || original == ".." {
		return fmt.Errorf("invalid whiteout file: %s", base)
	}
	return os.RemoveAll(filepath.Join(parent, original))
}

// replaceNonDir removes target unless it is already a directory, so that
// directories from different layers merge
func (a *applier) replaceNonDir(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	return os.Remove(target)
}

func removeExisting(target string) error {
	if err := os.RemoveAll(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeFile(target string, r io.Reader) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
