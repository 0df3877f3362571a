package engine

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/types"
)

// Images lists every materialized image by config digest
func (b *Builder) Images() *types.ImagesResult {
	return &types.ImagesResult{Images: b.state.Images()}
}

// Remove deletes the image bound to req together with every tag binding that
// points at it. With req.Prune, layers no remaining image references are
// deleted as well.
func (b *Builder) Remove(req types.RemoveRequest) (*types.RemoveResult, error) {
	digest, bound := b.state.LookupDigest(req.Name, req.Tag, req.Platform)
	if !bound {
		return nil, errors.NewStateError(errors.KindNotFound, "remove",
			fmt.Sprintf("no image bound to %s", req.ImageRequest), nil)
	}

	if err := removeFile(b.cfg.ImagePath(digest)); err != nil {
		return nil, err
	}
	if _, hasRecord := b.state.Image(digest); hasRecord {
		if _, err := b.state.RemoveImage(digest); err != nil {
			return nil, err
		}
	}
	unbound := b.state.UnbindDigest(digest)

	b.log.WithFields(logrus.Fields{
		"digest":   digest,
		"bindings": unbound,
	}).Info("image removed")

	result := &types.RemoveResult{
		Digest:        digest,
		RemovedLayers: []string{},
	}
	if req.Prune {
		removed, err := b.pruneLayers()
		if err != nil {
			return nil, err
		}
		result.RemovedLayers = removed
	}
	return result, nil
}

// Prune removes image records no tag points at, then every layer that no
// remaining image references
func (b *Builder) Prune() (*types.PruneResult, error) {
	result := &types.PruneResult{
		Layers: []string{},
		Images: []string{},
	}

	for _, digest := range b.state.DanglingImages() {
		if err := removeFile(b.cfg.ImagePath(digest)); err != nil {
			return nil, err
		}
		if _, err := b.state.RemoveImage(digest); err != nil {
			return nil, err
		}
		result.Images = append(result.Images, digest)
	}

	layers, err := b.pruneLayers()
	if err != nil {
		return nil, err
	}
	result.Layers = layers

	b.log.WithFields(logrus.Fields{
		"images": len(result.Images),
		"layers": len(result.Layers),
	}).Info("pruned")
	return result, nil
}

// pruneLayers deletes the layers no image record references. Reachability is
// recomputed from all records on every call.
func (b *Builder) pruneLayers() ([]string, error) {
	removed := []string{}
	for _, digest := range b.state.UnreferencedLayers() {
		if err := b.layers.Remove(digest); err != nil {
			return nil, err
		}
		removed = append(removed, digest)
	}
	b.state.RemoveLayers(removed...)
	return removed, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("remove_image", "failed to delete image file "+path, err)
	}
	return nil
}
