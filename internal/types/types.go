package types

import (
	"fmt"
)

const (
	DefaultOS           = "linux"
	DefaultArchitecture = "amd64"
	DefaultTag          = "latest"
)

type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

func (p Platform) String() string {
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// WithDefaults fills empty fields with linux/amd64.
func (p Platform) WithDefaults() Platform {
	if p.OS == "" {
		p.OS = DefaultOS
	}
	if p.Architecture == "" {
		p.Architecture = DefaultArchitecture
	}
	return p
}

// TagKey is the state-file key binding a name, tag and platform to a digest.
func TagKey(name, tag string, platform Platform) string {
	return fmt.Sprintf("%s:%s-%s:%s", name, tag, platform.OS, platform.Architecture)
}

// ImageRecord describes a materialized disk image. Records are keyed by the
// image config digest and never change once written.
type ImageRecord struct {
	Platform Platform `json:"platform"`
	Name     string   `json:"name"`
	Tag      string   `json:"tag"`
	Layers   []string `json:"layers"`
	Size     uint64   `json:"size"`
}

// References reports whether the record uses the given layer digest.
func (r ImageRecord) References(layer string) bool {
	for _, l := range r.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// ImageRequest identifies an image by name, tag and platform.
type ImageRequest struct {
	Name     string
	Tag      string
	Platform Platform
}

func (r ImageRequest) String() string {
	return fmt.Sprintf("%s:%s (%s)", r.Name, r.Tag, r.Platform)
}

type BuildRequest struct {
	ImageRequest
	OutFile string
}

type RemoveRequest struct {
	ImageRequest
	Prune bool
}

type InfoResult struct {
	Digest     string `json:"digest"`
	Downloaded bool   `json:"downloaded"`
	IsLatest   bool   `json:"is_latest"`
}

type BuildResult struct {
	Digest     string `json:"digest"`
	Size       uint64 `json:"size"`
	Downloaded bool   `json:"downloaded"`
	FilePath   string `json:"file_path"`
}

type ImagesResult struct {
	Images map[string]ImageRecord `json:"images"`
}

type RemoveResult struct {
	Digest        string   `json:"digest"`
	RemovedLayers []string `json:"removed_layers"`
}

type PruneResult struct {
	Layers []string `json:"layers"`
	Images []string `json:"images"`
}
