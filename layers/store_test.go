package layers

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/ocidisk/internal/errors"
)

// fakeSource serves blobs from memory and counts requests per digest
type fakeSource struct {
	mu    sync.Mutex
	blobs map[string][]byte
	calls map[string]int
}

func newFakeSource(blobs ...[]byte) *fakeSource {
	s := &fakeSource{blobs: make(map[string][]byte), calls: make(map[string]int)}
	for _, b := range blobs {
		s.blobs[digest.FromBytes(b).String()] = b
	}
	return s
}

func (s *fakeSource) FetchBlob(ctx context.Context, dgst string, w io.Writer) error {
	s.mu.Lock()
	s.calls[dgst]++
	blob, ok := s.blobs[dgst]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("blob %s not found", dgst)
	}
	_, err := w.Write(blob)
	return err
}

func (s *fakeSource) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func TestFetchMissing_OnlyOnce(t *testing.T) {
	store := newTestStore(t)
	blobs := [][]byte{[]byte("layer-one"), []byte("layer-two"), []byte("layer-three")}
	source := newFakeSource(blobs...)

	var digests []string
	for _, b := range blobs {
		digests = append(digests, digest.FromBytes(b).String())
	}

	fetched, err := store.FetchMissing(context.Background(), digests, source)
	if err != nil {
		t.Fatalf("FetchMissing failed: %v", err)
	}
	if !reflect.DeepEqual(fetched, digests) {
		t.Errorf("fetched = %v, want %v", fetched, digests)
	}
	if source.total() != 3 {
		t.Errorf("first call made %d requests, want 3", source.total())
	}

	fetched, err = store.FetchMissing(context.Background(), digests, source)
	if err != nil {
		t.Fatalf("second FetchMissing failed: %v", err)
	}
	if len(fetched) != 0 {
		t.Errorf("second call fetched %v, want nothing", fetched)
	}
	if source.total() != 3 {
		t.Errorf("second call made network requests, total = %d", source.total())
	}

	for _, dgst := range digests {
		if !store.Has(dgst) {
			t.Errorf("layer %s should be stored", dgst)
		}
	}
}

func TestFetchMissing_Partial(t *testing.T) {
	store := newTestStore(t)
	present := []byte("already-here")
	absent := []byte("needs-download")
	storeLayer(t, store, present)
	source := newFakeSource(present, absent)

	digests := []string{digest.FromBytes(present).String(), digest.FromBytes(absent).String()}
	fetched, err := store.FetchMissing(context.Background(), digests, source)
	if err != nil {
		t.Fatalf("FetchMissing failed: %v", err)
	}

	if !reflect.DeepEqual(fetched, digests[1:]) {
		t.Errorf("fetched = %v, want %v", fetched, digests[1:])
	}
	if source.calls[digests[0]] != 0 {
		t.Error("present layer should not be downloaded")
	}
}

func TestFetchMissing_DuplicateDigests(t *testing.T) {
	store := newTestStore(t)
	blob := []byte("shared")
	source := newFakeSource(blob)
	dgst := digest.FromBytes(blob).String()

	if _, err := store.FetchMissing(context.Background(), []string{dgst, dgst}, source); err != nil {
		t.Fatalf("FetchMissing failed: %v", err)
	}
	if source.total() != 1 {
		t.Errorf("made %d requests for one digest", source.total())
	}
}

func TestFetchMissing_DigestMismatch(t *testing.T) {
	store := newTestStore(t)
	dgst := digest.FromBytes([]byte("expected")).String()
	source := &fakeSource{
		blobs: map[string][]byte{dgst: []byte("tampered")},
		calls: make(map[string]int),
	}

	_, err := store.FetchMissing(context.Background(), []string{dgst}, source)
	if !errors.IsKind(err, errors.KindDigestMismatch) {
		t.Fatalf("expected DigestMismatch, got %v", err)
	}
	if store.Has(dgst) {
		t.Error("mismatched layer must not be stored")
	}

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover temp files, found %d", len(entries))
	}
}

func TestFetchMissing_SourceError(t *testing.T) {
	store := newTestStore(t)
	source := newFakeSource()
	dgst := digest.FromBytes([]byte("unknown")).String()

	if _, err := store.FetchMissing(context.Background(), []string{dgst}, source); err == nil {
		t.Fatal("expected error from source")
	}
	if store.Has(dgst) {
		t.Error("failed download must not be stored")
	}
}

func TestStore_Remove(t *testing.T) {
	store := newTestStore(t)
	dgst := storeLayer(t, store, []byte("bytes"))

	if err := store.Remove(dgst); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if store.Has(dgst) {
		t.Error("layer should be removed")
	}
	if err := store.Remove(dgst); err != nil {
		t.Errorf("removing a missing layer should succeed, got %v", err)
	}
}
