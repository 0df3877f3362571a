package registry

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/types"
)

// ImageArg is the image argument of a command, name[:tag]
type ImageArg struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// String returns the name:tag form
func (a ImageArg) String() string {
	return a.Name + ":" + a.Tag
}

// ParseImageArg splits name[:tag]; the tag defaults to latest. A registry
// host with a port (localhost:5000/app) is kept as part of the name.
func ParseImageArg(arg string) (ImageArg, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return ImageArg{}, invalidReference(arg, "image reference cannot be empty")
	}
	if strings.Contains(arg, "@") {
		return ImageArg{}, invalidReference(arg, "digest references are not supported, use name[:tag]")
	}

	result := ImageArg{Name: arg, Tag: types.DefaultTag}

	// The tag separator is a colon after the last slash
	if lastColon := strings.LastIndex(arg, ":"); lastColon > strings.LastIndex(arg, "/") {
		result.Name = arg[:lastColon]
		result.Tag = arg[lastColon+1:]
	}

	if result.Name == "" || result.Tag == "" {
		return ImageArg{}, invalidReference(arg, "name and tag must not be empty")
	}

	if _, err := name.NewTag(result.Name + ":" + result.Tag); err != nil {
		return ImageArg{}, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryInput).
			Kind(errors.KindInvalidReference).
			Operation("parse_reference").
			Messagef("invalid image reference %q", arg).
			Cause(err).
			Build()
	}

	return result, nil
}

func invalidReference(arg, message string) error {
	return errors.NewInputError(errors.KindInvalidReference, "parse_reference", fmt.Sprintf("%s: %q", message, arg))
}

// ImageManifest holds what the build needs from an OCI manifest
type ImageManifest struct {
	Digest       string   `json:"digest"`
	ConfigDigest string   `json:"config_digest"`
	Layers       []string `json:"layers"`
}
