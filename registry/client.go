package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocidisk/internal/config"
	"github.com/bibin-skaria/ocidisk/internal/errors"
	"github.com/bibin-skaria/ocidisk/internal/types"
	"github.com/bibin-skaria/ocidisk/layers"
)

// Client reads manifests, configs and blobs from container registries.
// Failures are returned as remote errors; nothing is retried.
type Client struct {
	cfg       *config.Config
	auth      *AuthProvider
	transport http.RoundTripper
	log       *logrus.Entry
}

// NewClient creates a registry client using the registries, credentials and
// insecure hosts from cfg
func NewClient(cfg *config.Config, log *logrus.Entry) *Client {
	return &Client{
		cfg:  cfg,
		auth: NewAuthProvider(cfg.Registries),
		log:  log,
	}
}

// SetTransport overrides the HTTP transport used for registry requests
func (c *Client) SetTransport(t http.RoundTripper) {
	c.transport = t
}

// Reference resolves image and tag to a tag reference, qualifying bare
// names with the configured default registry
func (c *Client) Reference(image, tag string) (name.Tag, error) {
	repo, err := c.repository(image)
	if err != nil {
		return name.Tag{}, err
	}
	return repo.Tag(tag), nil
}

func (c *Client) repository(image string) (name.Repository, error) {
	opts := []name.Option{name.WithDefaultRegistry(c.cfg.DefaultRegistry)}

	repo, err := name.NewRepository(image, opts...)
	if err != nil {
		return name.Repository{}, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryInput).
			Kind(errors.KindInvalidReference).
			Operation("parse_reference").
			Messagef("invalid image name %q", image).
			Cause(err).
			Build()
	}

	if c.cfg.IsInsecure(repo.RegistryStr()) {
		repo, err = name.NewRepository(image, append(opts, name.Insecure)...)
		if err != nil {
			return name.Repository{}, errors.NewInputError(errors.KindInvalidReference, "parse_reference", err.Error())
		}
	}
	return repo, nil
}

func (c *Client) remoteOptions(ctx context.Context, repo name.Repository) []remote.Option {
	opts := []remote.Option{
		remote.WithAuth(c.auth.GetAuthenticator(repo.Registry)),
		remote.WithContext(ctx),
	}
	if c.transport != nil {
		opts = append(opts, remote.WithTransport(c.transport))
	}
	return opts
}

// ResolvePlatform returns the digest of the manifest for platform. For an
// index the entry must match os and architecture exactly; a single manifest
// must carry a matching platform in its config.
func (c *Client) ResolvePlatform(ctx context.Context, image, tag string, platform types.Platform) (string, error) {
	ref, err := c.Reference(image, tag)
	if err != nil {
		return "", err
	}

	log := c.log.WithFields(logrus.Fields{
		"reference": ref.String(),
		"platform":  platform.String(),
	})
	log.Debug("resolving manifest")

	desc, err := remote.Get(ref, c.remoteOptions(ctx, ref.Repository)...)
	if err != nil {
		return "", remoteError("resolve_platform", fmt.Sprintf("failed to fetch manifest for %s", ref), err)
	}

	if desc.MediaType.IsIndex() {
		index, err := desc.ImageIndex()
		if err != nil {
			return "", remoteError("resolve_platform", "failed to read manifest list", err)
		}
		manifest, err := index.IndexManifest()
		if err != nil {
			return "", remoteError("resolve_platform", "failed to parse manifest list", err)
		}

		for _, m := range manifest.Manifests {
			if m.Platform == nil {
				continue
			}
			if m.Platform.OS == platform.OS && m.Platform.Architecture == platform.Architecture {
				log.WithField("digest", m.Digest.String()).Debug("platform manifest found")
				return m.Digest.String(), nil
			}
		}
		return "", platformNotFound(ref, platform)
	}

	img, err := desc.Image()
	if err != nil {
		return "", remoteError("resolve_platform", "failed to read manifest", err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return "", remoteError("resolve_platform", "failed to read image config", err)
	}
	if cfg.OS != platform.OS || cfg.Architecture != platform.Architecture {
		return "", platformNotFound(ref, platform)
	}
	return desc.Digest.String(), nil
}

// Manifest fetches the OCI manifest with the given digest
func (c *Client) Manifest(ctx context.Context, image, digest string) (*ImageManifest, error) {
	repo, err := c.repository(image)
	if err != nil {
		return nil, err
	}

	img, err := remote.Image(repo.Digest(digest), c.remoteOptions(ctx, repo)...)
	if err != nil {
		return nil, remoteError("fetch_manifest", "failed to fetch manifest "+digest, err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, remoteError("fetch_manifest", "failed to parse manifest "+digest, err)
	}

	result := &ImageManifest{
		Digest:       digest,
		ConfigDigest: manifest.Config.Digest.String(),
		Layers:       make([]string, 0, len(manifest.Layers)),
	}
	for _, layer := range manifest.Layers {
		result.Layers = append(result.Layers, layer.Digest.String())
	}
	return result, nil
}

// Config fetches and parses the image configuration blob
func (c *Client) Config(ctx context.Context, image, configDigest string) (*v1.ConfigFile, error) {
	repo, err := c.repository(image)
	if err != nil {
		return nil, err
	}

	blob, err := c.openBlob(ctx, repo, configDigest)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	cfg, err := v1.ParseConfigFile(blob)
	if err != nil {
		return nil, remoteError("fetch_config", "failed to parse image config "+configDigest, err)
	}
	return cfg, nil
}

// FetchBlob streams the blob with the given digest into w
func (c *Client) FetchBlob(ctx context.Context, image, digest string, w io.Writer) error {
	repo, err := c.repository(image)
	if err != nil {
		return err
	}

	blob, err := c.openBlob(ctx, repo, digest)
	if err != nil {
		return err
	}
	defer blob.Close()

	if _, err := io.Copy(w, blob); err != nil {
		return remoteError("fetch_blob", "failed to download blob "+digest, err)
	}
	return nil
}

func (c *Client) openBlob(ctx context.Context, repo name.Repository, digest string) (io.ReadCloser, error) {
	layer, err := remote.Layer(repo.Digest(digest), c.remoteOptions(ctx, repo)...)
	if err != nil {
		return nil, remoteError("fetch_blob", "failed to resolve blob "+digest, err)
	}
	blob, err := layer.Compressed()
	if err != nil {
		return nil, remoteError("fetch_blob", "failed to open blob "+digest, err)
	}
	return blob, nil
}

// Blobs returns a layer source reading blobs of image
func (c *Client) Blobs(image string) layers.BlobSource {
	return &blobSource{client: c, image: image}
}

type blobSource struct {
	client *Client
	image  string
}

func (b *blobSource) FetchBlob(ctx context.Context, digest string, w io.Writer) error {
	return b.client.FetchBlob(ctx, b.image, digest, w)
}

func remoteError(operation, message string, err error) error {
	var buildErr *errors.BuildError
	if stderrors.As(err, &buildErr) {
		return err
	}

	kind := errors.KindUnknown
	var terr *transport.Error
	if stderrors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		kind = errors.KindNotFound
	}
	return errors.NewRemoteError(kind, operation, message, err)
}

func platformNotFound(ref name.Tag, platform types.Platform) error {
	return errors.NewRemoteError(errors.KindPlatformNotFound, "resolve_platform",
		fmt.Sprintf("no manifest for platform %s in %s", platform, ref), nil)
}
