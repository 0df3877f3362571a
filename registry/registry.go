// Package registry reads images from OCI and Docker registries.
//
// It resolves an image:tag to the manifest of one platform, reads the
// manifest's config digest and ordered layer digests, and streams blobs to
// the layer store. Credentials are discovered from the configuration file,
// the environment and docker's credential store, in that order.
//
// Example usage:
//
//	client := registry.NewClient(cfg, log)
//	digest, err := client.ResolvePlatform(ctx, "nginx", "latest", types.Platform{OS: "linux", Architecture: "amd64"})
//	if err != nil {
//		return err
//	}
//	manifest, err := client.Manifest(ctx, "nginx", digest)
package registry

// Well-known registry hostnames
const (
	DockerHubRegistry = "docker.io"
	DockerHubIndex    = "index.docker.io"
)

// NormalizeRegistry maps the Docker Hub aliases to the index hostname used by
// go-containerregistry
func NormalizeRegistry(registry string) string {
	switch registry {
	case "", DockerHubRegistry, "registry-1.docker.io":
		return DockerHubIndex
	default:
		return registry
	}
}
