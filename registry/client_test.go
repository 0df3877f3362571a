package registry

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/ocidisk/internal/config"
	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/logging"
	"github.com/bibin-skaria/ocidisk/internal/types"
	"github.com/bibin-skaria/ocidisk/layers"
)

type testRegistry struct {
	host   string
	client *Client
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	t.Setenv("DOCKER_CONFIG", t.TempDir())

	server := httptest.NewServer(ggcrregistry.New(ggcrregistry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(server.Close)

	host := strings.TrimPrefix(server.URL, "http://")
	cfg := config.Default(t.TempDir())
	cfg.InsecureRegistries = []string{host}

	client := NewClient(cfg, logging.NewDiscard())
	client.SetTransport(server.Client().Transport)

	return &testRegistry{
		host:   host,
		client: client,
	}
}

func (r *testRegistry) repo(repository string) string {
	return r.host + "/" + repository
}

func platformImage(t *testing.T, os, arch string, labels map[string]string) v1.Image {
	t.Helper()

	img, err := random.Image(512, 3)
	if err != nil {
		t.Fatalf("random.Image() error = %v", err)
	}
	cf, err := img.ConfigFile()
	if err != nil {
		t.Fatalf("ConfigFile() error = %v", err)
	}
	cf = cf.DeepCopy()
	cf.OS = os
	cf.Architecture = arch
	cf.Config.Labels = labels

	img, err = mutate.ConfigFile(img, cf)
	if err != nil {
		t.Fatalf("mutate.ConfigFile() error = %v", err)
	}
	return img
}

func pushImage(t *testing.T, ref string, img v1.Image) {
	t.Helper()
	tag, err := name.NewTag(ref)
	if err != nil {
		t.Fatalf("name.NewTag(%q) error = %v", ref, err)
	}
	if err := remote.Write(tag, img); err != nil {
		t.Fatalf("remote.Write() error = %v", err)
	}
}

func pushIndex(t *testing.T, ref string, images map[string]v1.Image) {
	t.Helper()

	var addenda []mutate.IndexAddendum
	for arch, img := range images {
		addenda = append(addenda, mutate.IndexAddendum{
			Add: img,
			Descriptor: v1.Descriptor{
				Platform: &v1.Platform{OS: "linux", Architecture: arch},
			},
		})
	}
	index := mutate.AppendManifests(empty.Index, addenda...)

	tag, err := name.NewTag(ref)
	if err != nil {
		t.Fatalf("name.NewTag(%q) error = %v", ref, err)
	}
	if err := remote.WriteIndex(tag, index); err != nil {
		t.Fatalf("remote.WriteIndex() error = %v", err)
	}
}

func mustDigest(t *testing.T, img v1.Image) string {
	t.Helper()
	d, err := img.Digest()
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	return d.String()
}

func TestResolvePlatformIndex(t *testing.T) {
	r := newTestRegistry(t)
	amd64 := platformImage(t, "linux", "amd64", nil)
	arm64 := platformImage(t, "linux", "arm64", nil)
	pushIndex(t, r.repo("multi/app:1.0"), map[string]v1.Image{"amd64": amd64, "arm64": arm64})

	tests := []struct {
		name     string
		platform types.Platform
		want     string
		wantKind errors.ErrorKind
	}{
		{"amd64", types.Platform{OS: "linux", Architecture: "amd64"}, mustDigest(t, amd64), errors.KindUnknown},
		{"arm64", types.Platform{OS: "linux", Architecture: "arm64"}, mustDigest(t, arm64), errors.KindUnknown},
		{"missing architecture", types.Platform{OS: "linux", Architecture: "riscv64"}, "", errors.KindPlatformNotFound},
		{"missing os", types.Platform{OS: "windows", Architecture: "amd64"}, "", errors.KindPlatformNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.client.ResolvePlatform(context.Background(), r.repo("multi/app"), "1.0", tt.platform)
			if tt.wantKind != errors.KindUnknown {
				if !errors.IsKind(err, tt.wantKind) {
					t.Fatalf("ResolvePlatform() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePlatform() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolvePlatform() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolvePlatformSingleManifest(t *testing.T) {
	r := newTestRegistry(t)
	img := platformImage(t, "linux", "amd64", nil)
	pushImage(t, r.repo("single/app:latest"), img)

	got, err := r.client.ResolvePlatform(context.Background(), r.repo("single/app"), "latest",
		types.Platform{OS: "linux", Architecture: "amd64"})
	if err != nil {
		t.Fatalf("ResolvePlatform() error = %v", err)
	}
	if want := mustDigest(t, img); got != want {
		t.Errorf("ResolvePlatform() = %s, want %s", got, want)
	}

	_, err = r.client.ResolvePlatform(context.Background(), r.repo("single/app"), "latest",
		types.Platform{OS: "linux", Architecture: "arm64"})
	if !errors.IsKind(err, errors.KindPlatformNotFound) {
		t.Errorf("ResolvePlatform() error = %v, want PlatformNotFound", err)
	}
}

func TestResolvePlatformUnknownTag(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.client.ResolvePlatform(context.Background(), r.repo("nothing/here"), "latest",
		types.Platform{OS: "linux", Architecture: "amd64"})
	if err == nil {
		t.Fatal("ResolvePlatform() expected error for unknown image")
	}
	if got := errors.CategoryOf(err); got != errors.ErrorCategoryRemote {
		t.Errorf("CategoryOf() = %s, want remote", got)
	}
}

func TestManifestAndConfig(t *testing.T) {
	r := newTestRegistry(t)
	img := platformImage(t, "linux", "amd64", map[string]string{"vm.bootloader": "/boot/mbr.bin"})
	pushImage(t, r.repo("app/boot:v1"), img)

	manifest, err := r.client.Manifest(context.Background(), r.repo("app/boot"), mustDigest(t, img))
	if err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}

	configName, err := img.ConfigName()
	if err != nil {
		t.Fatalf("ConfigName() error = %v", err)
	}
	if manifest.ConfigDigest != configName.String() {
		t.Errorf("ConfigDigest = %s, want %s", manifest.ConfigDigest, configName)
	}

	imgLayers, err := img.Layers()
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	if len(manifest.Layers) != len(imgLayers) {
		t.Fatalf("got %d layers, want %d", len(manifest.Layers), len(imgLayers))
	}
	for i, l := range imgLayers {
		d, _ := l.Digest()
		if manifest.Layers[i] != d.String() {
			t.Errorf("layer %d = %s, want %s", i, manifest.Layers[i], d)
		}
	}

	cfg, err := r.client.Config(context.Background(), r.repo("app/boot"), manifest.ConfigDigest)
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if got := cfg.Config.Labels["vm.bootloader"]; got != "/boot/mbr.bin" {
		t.Errorf("bootloader label = %q, want /boot/mbr.bin", got)
	}
	if cfg.OS != "linux" || cfg.Architecture != "amd64" {
		t.Errorf("config platform = %s/%s, want linux/amd64", cfg.OS, cfg.Architecture)
	}
}

func TestFetchBlob(t *testing.T) {
	r := newTestRegistry(t)
	img := platformImage(t, "linux", "amd64", nil)
	pushImage(t, r.repo("app/blob:v1"), img)

	imgLayers, err := img.Layers()
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	want, _ := imgLayers[0].Digest()

	var buf bytes.Buffer
	if err := r.client.FetchBlob(context.Background(), r.repo("app/blob"), want.String(), &buf); err != nil {
		t.Fatalf("FetchBlob() error = %v", err)
	}
	if got := digest.FromBytes(buf.Bytes()); got.String() != want.String() {
		t.Errorf("downloaded content digest = %s, want %s", got, want)
	}
}

func TestBlobsFeedLayerStore(t *testing.T) {
	r := newTestRegistry(t)
	img := platformImage(t, "linux", "amd64", nil)
	pushImage(t, r.repo("app/layers:v1"), img)

	manifest, err := r.client.Manifest(context.Background(), r.repo("app/layers"), mustDigest(t, img))
	if err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}

	store := layers.NewStore(t.TempDir(), 2, logging.NewDiscard())
	fetched, err := store.FetchMissing(context.Background(), manifest.Layers, r.client.Blobs(r.repo("app/layers")))
	if err != nil {
		t.Fatalf("FetchMissing() error = %v", err)
	}
	if len(fetched) != len(manifest.Layers) {
		t.Errorf("fetched %d layers, want %d", len(fetched), len(manifest.Layers))
	}
	for _, d := range manifest.Layers {
		if !store.Has(d) {
			t.Errorf("layer %s not stored", d)
		}
	}
}

func TestReferenceDefaultRegistry(t *testing.T) {
	cfg := config.Default(t.TempDir())
	client := NewClient(cfg, logging.NewDiscard())

	tests := []struct {
		image string
		want  string
	}{
		{"nginx", "index.docker.io/library/nginx:latest"},
		{"user/app", "index.docker.io/user/app:latest"},
		{"quay.io/org/app", "quay.io/org/app:latest"},
	}

	for _, tt := range tests {
		ref, err := client.Reference(tt.image, "latest")
		if err != nil {
			t.Fatalf("Reference(%q) error = %v", tt.image, err)
		}
		if got := ref.Name(); got != tt.want {
			t.Errorf("Reference(%q) = %s, want %s", tt.image, got, tt.want)
		}
	}
}
