package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/types"
)

// Document is the on-disk layout of state.json
type Document struct {
	TaggedImages map[string]string            `json:"tagged_images"`
	Images       map[string]types.ImageRecord `json:"images"`
	Layers       []string                     `json:"layers"`
}

func newDocument() Document {
	return Document{
		TaggedImages: make(map[string]string),
		Images:       make(map[string]types.ImageRecord),
		Layers:       []string{},
	}
}

// Store tracks which images and layers exist locally. Mutations stay in
// memory until Persist is called.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  Document
}

// Load reads the state file at path. A missing file yields empty state.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{path: path, doc: newDocument()}, nil
	}
	if err != nil {
		return nil, errors.NewIOError("load_state", fmt.Sprintf("failed to read state file %s", path), err)
	}

	doc := newDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewStateError(errors.KindFormatError, "load_state",
			fmt.Sprintf("state file %s is corrupt", path), err)
	}
	if doc.TaggedImages == nil {
		doc.TaggedImages = make(map[string]string)
	}
	if doc.Images == nil {
		doc.Images = make(map[string]types.ImageRecord)
	}
	if doc.Layers == nil {
		doc.Layers = []string{}
	}
	doc.Layers = lo.Uniq(doc.Layers)

	return &Store{path: path, doc: doc}, nil
}

// Path returns the state file path
func (s *Store) Path() string {
	return s.path
}

// Persist atomically writes the state to disk
func (s *Store) Persist() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.NewIOError("persist_state", "failed to encode state", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.NewIOError("persist_state", "failed to create state directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return errors.NewIOError("persist_state", "failed to create temp state file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("persist_state", "failed to write state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("persist_state", "failed to sync state file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("persist_state", "failed to close state file", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("persist_state", "failed to replace state file", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current state
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := newDocument()
	for k, v := range s.doc.TaggedImages {
		doc.TaggedImages[k] = v
	}
	for k, v := range s.doc.Images {
		doc.Images[k] = copyRecord(v)
	}
	doc.Layers = append(doc.Layers, s.doc.Layers...)
	return doc
}

func copyRecord(r types.ImageRecord) types.ImageRecord {
	r.Layers = append([]string(nil), r.Layers...)
	return r
}

// LookupDigest returns the digest bound to name:tag for platform
func (s *Store) LookupDigest(name, tag string, platform types.Platform) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, ok := s.doc.TaggedImages[types.TagKey(name, tag, platform)]
	return digest, ok
}

// LookupImage returns the bound digest and its image record
func (s *Store) LookupImage(name, tag string, platform types.Platform) (string, types.ImageRecord, bool) {
	digest, ok := s.LookupDigest(name, tag, platform)
	if !ok {
		return "", types.ImageRecord{}, false
	}
	record, ok := s.Image(digest)
	if !ok {
		return "", types.ImageRecord{}, false
	}
	return digest, record, true
}

// Image returns the record stored under digest
func (s *Store) Image(digest string) (types.ImageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.doc.Images[digest]
	if !ok {
		return types.ImageRecord{}, false
	}
	return copyRecord(record), true
}

// Images returns a copy of every image record keyed by digest
func (s *Store) Images() map[string]types.ImageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	images := make(map[string]types.ImageRecord, len(s.doc.Images))
	for digest, record := range s.doc.Images {
		images[digest] = copyRecord(record)
	}
	return images
}

// Bind points name:tag for platform at digest, replacing any previous binding
func (s *Store) Bind(name, tag string, platform types.Platform, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.TaggedImages[types.TagKey(name, tag, platform)] = digest
}

// UnbindDigest removes every binding pointing at digest and returns the
// removed keys in sorted order
func (s *Store) UnbindDigest(digest string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for key, bound := range s.doc.TaggedImages {
		if bound == digest {
			removed = append(removed, key)
			delete(s.doc.TaggedImages, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// UpsertImage stores record under digest unless a record already exists.
// Records are immutable, so the first writer wins.
func (s *Store) UpsertImage(digest string, record types.ImageRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Images[digest]; exists {
		return false
	}
	s.doc.Images[digest] = copyRecord(record)
	return true
}

// RemoveImage deletes the record stored under digest
func (s *Store) RemoveImage(digest string) (types.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.doc.Images[digest]
	if !ok {
		return types.ImageRecord{}, errors.NewStateError(errors.KindNotFound, "remove_image",
			fmt.Sprintf("image %s not found", digest), nil)
	}
	delete(s.doc.Images, digest)
	return record, nil
}

// AddLayers records layer digests as present locally
func (s *Store) AddLayers(digests ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Layers = lo.Uniq(append(s.doc.Layers, digests...))
}

// RemoveLayers forgets the given layer digests
func (s *Store) RemoveLayers(digests ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Layers = lo.Without(s.doc.Layers, digests...)
}

// Layers returns the locally present layer digests
func (s *Store) Layers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.doc.Layers...)
}

// HasLayer reports whether digest is in the layer set
func (s *Store) HasLayer(digest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Contains(s.doc.Layers, digest)
}

// UnreferencedLayers returns the layer-set entries that no image record
// references. Reachability is recomputed from every record on each call,
// which costs O(images x layers).
func (s *Store) UnreferencedLayers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := lo.Values(s.doc.Images)
	return lo.Reject(s.doc.Layers, func(layer string, _ int) bool {
		return lo.CountBy(records, func(record types.ImageRecord) bool {
			return record.References(layer)
		}) > 0
	})
}

// DanglingImages returns the digests of image records that no tag binding
// points at, in sorted order
func (s *Store) DanglingImages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bound := lo.Values(s.doc.TaggedImages)
	dangling := lo.Filter(lo.Keys(s.doc.Images), func(digest string, _ int) bool {
		return !lo.Contains(bound, digest)
	})
	sort.Strings(dangling)
	return dangling
}
