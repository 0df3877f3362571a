package engine

import (
	"context"
	"fmt"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocidisk/disk"
	"github.com/bibin-skaria/ocidisk/internal/config"
	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/types"
	"github.com/bibin-skaria/ocidisk/layers"
	"github.com/bibin-skaria/ocidisk/registry"
	"github.com/bibin-skaria/ocidisk/state"
)

// Remote is the registry side of a build
type Remote interface {
	ResolvePlatform(ctx context.Context, image, tag string, platform types.Platform) (string, error)
	Manifest(ctx context.Context, image, digest string) (*registry.ImageManifest, error)
	Config(ctx context.Context, image, configDigest string) (*v1.ConfigFile, error)
	Blobs(image string) layers.BlobSource
}

// LayerStore holds compressed layers on local disk
type LayerStore interface {
	Dir() string
	FetchMissing(ctx context.Context, digests []string, source layers.BlobSource) ([]string, error)
	Remove(digest string) error
}

// ImageAssembler writes a bootable disk image from stored layers
type ImageAssembler interface {
	Assemble(req disk.Request) (uint64, error)
}

// Builder turns registry images into disk images and keeps the local state
// in step. State is only changed once an operation has fully succeeded.
type Builder struct {
	cfg       *config.Config
	state     *state.Store
	remote    Remote
	layers    LayerStore
	assembler ImageAssembler
	log       *logrus.Entry
}

func NewBuilder(cfg *config.Config, st *state.Store, remote Remote, layerStore LayerStore, assembler ImageAssembler, log *logrus.Entry) *Builder {
	return &Builder{
		cfg:       cfg,
		state:     st,
		remote:    remote,
		layers:    layerStore,
		assembler: assembler,
		log:       log,
	}
}

// remoteImage resolves req to the manifest of its platform
func (b *Builder) remoteImage(ctx context.Context, req types.ImageRequest) (*registry.ImageManifest, error) {
	manifestDigest, err := b.remote.ResolvePlatform(ctx, req.Name, req.Tag, req.Platform)
	if err != nil {
		return nil, err
	}
	return b.remote.Manifest(ctx, req.Name, manifestDigest)
}

// Info reports the remote config digest of an image and whether the local
// binding is current. Nothing is downloaded and state is not changed.
func (b *Builder) Info(ctx context.Context, req types.ImageRequest) (*types.InfoResult, error) {
	manifest, err := b.remoteImage(ctx, req)
	if err != nil {
		return nil, err
	}

	bound, downloaded := b.state.LookupDigest(req.Name, req.Tag, req.Platform)
	return &types.InfoResult{
		Digest:     manifest.ConfigDigest,
		Downloaded: downloaded,
		IsLatest:   downloaded && bound == manifest.ConfigDigest,
	}, nil
}

// Build materializes the disk image for req. When the local binding already
// points at the remote config digest and no output file is requested, the
// existing image is returned without downloading or assembling anything.
func (b *Builder) Build(ctx context.Context, req types.BuildRequest) (*types.BuildResult, error) {
	log := b.log.WithFields(logrus.Fields{
		"image":    req.Name + ":" + req.Tag,
		"platform": req.Platform.String(),
	})

	manifest, err := b.remoteImage(ctx, req.ImageRequest)
	if err != nil {
		return nil, err
	}
	digest := manifest.ConfigDigest

	if bound, ok := b.state.LookupDigest(req.Name, req.Tag, req.Platform); ok && bound == digest && req.OutFile == "" {
		if result, ok := b.cached(digest); ok {
			log.WithField("digest", digest).Info("image is up to date")
			return result, nil
		}
		log.WithField("digest", digest).Warn("bound image is missing locally, rebuilding")
	}

	imageConfig, err := b.remote.Config(ctx, req.Name, digest)
	if err != nil {
		return nil, err
	}
	bootloader := imageConfig.Config.Labels[b.cfg.BootloaderLabel]
	if bootloader == "" {
		return nil, errors.NewInputError(errors.KindBootloaderPathMissing, "build",
			fmt.Sprintf("image %s has no %q label naming its bootloader", req.ImageRequest, b.cfg.BootloaderLabel))
	}

	fetched, err := b.layers.FetchMissing(ctx, manifest.Layers, b.remote.Blobs(req.Name))
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"layers":  len(manifest.Layers),
		"fetched": len(fetched),
	}).Info("layers available")

	destination := req.OutFile
	if destination == "" {
		destination = b.cfg.ImagePath(digest)
	}

	size, err := b.assembler.Assemble(disk.Request{
		Layers:      manifest.Layers,
		LayerDir:    b.layers.Dir(),
		Bootloader:  bootloader,
		Destination: destination,
	})
	if err != nil {
		return nil, err
	}

	b.state.UpsertImage(digest, types.ImageRecord{
		Platform: req.Platform,
		Name:     req.Name,
		Tag:      req.Tag,
		Layers:   manifest.Layers,
		Size:     size,
	})
	b.state.AddLayers(manifest.Layers...)
	b.state.Bind(req.Name, req.Tag, req.Platform, digest)

	return &types.BuildResult{
		Digest:     digest,
		Size:       size,
		Downloaded: true,
		FilePath:   destination,
	}, nil
}

// cached returns the build result for an image whose record and file under
// the images directory both exist. Images written to an explicit output file
// belong to the caller and are never served from here.
func (b *Builder) cached(digest string) (*types.BuildResult, bool) {
	record, ok := b.state.Image(digest)
	if !ok {
		return nil, false
	}
	path := b.cfg.ImagePath(digest)
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	return &types.BuildResult{
		Digest:     digest,
		Size:       record.Size,
		Downloaded: true,
		FilePath:   path,
	}, true
}
