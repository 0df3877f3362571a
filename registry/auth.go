package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/bibin-skaria/ocidisk/internal/config"
)

// AuthProvider handles authentication for registry operations
type AuthProvider struct {
	registries map[string]config.RegistryAuth
	keychain   authn.Keychain
}

// NewAuthProvider creates a new authentication provider
func NewAuthProvider(registries map[string]config.RegistryAuth) *AuthProvider {
	if registries == nil {
		registries = make(map[string]config.RegistryAuth)
	}
	return &AuthProvider{
		registries: registries,
		keychain:   authn.DefaultKeychain,
	}
}

// GetAuthenticator returns an authenticator for the given registry
func (a *AuthProvider) GetAuthenticator(registry name.Registry) authn.Authenticator {
	// Try multiple credential sources in order of preference
	authenticators := []func(name.Registry) (authn.Authenticator, error){
		a.getFromConfig,
		a.getFromEnvironment,
		a.getFromKeychain,
	}

	for _, getAuth := range authenticators {
		if auth, err := getAuth(registry); err == nil && auth != authn.Anonymous {
			return auth
		}
	}

	// Fall back to anonymous authentication
	return authn.Anonymous
}

// getFromConfig gets credentials from the config file
func (a *AuthProvider) getFromConfig(registry name.Registry) (authn.Authenticator, error) {
	host := NormalizeRegistry(registry.RegistryStr())
	for configured, regAuth := range a.registries {
		if NormalizeRegistry(configured) == host {
			return fromCredentials(regAuth.Username, regAuth.Password, regAuth.Token)
		}
	}
	return authn.Anonymous, fmt.Errorf("registry not found in config")
}

// getFromEnvironment gets credentials from <REGISTRY>_USERNAME,
// <REGISTRY>_PASSWORD and <REGISTRY>_TOKEN
func (a *AuthProvider) getFromEnvironment(registry name.Registry) (authn.Authenticator, error) {
	envPrefix := strings.ToUpper(registry.RegistryStr())
	envPrefix = strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(envPrefix)

	auth, err := fromCredentials(
		os.Getenv(envPrefix+"_USERNAME"),
		os.Getenv(envPrefix+"_PASSWORD"),
		os.Getenv(envPrefix+"_TOKEN"),
	)
	if err == nil {
		return auth, nil
	}

	// Check for generic Docker environment variables
	if NormalizeRegistry(registry.RegistryStr()) == DockerHubIndex {
		return fromCredentials(
			os.Getenv("DOCKER_USERNAME"),
			os.Getenv("DOCKER_PASSWORD"),
			os.Getenv("DOCKER_TOKEN"),
		)
	}

	return authn.Anonymous, fmt.Errorf("no credentials in environment")
}

// getFromKeychain consults docker config files and credential helpers
func (a *AuthProvider) getFromKeychain(registry name.Registry) (authn.Authenticator, error) {
	return a.keychain.Resolve(registry)
}

func fromCredentials(username, password, token string) (authn.Authenticator, error) {
	if username != "" && password != "" {
		return &authn.Basic{
			Username: username,
			Password: password,
		}, nil
	}

	if token != "" {
		return &authn.Bearer{Token: token}, nil
	}

	return authn.Anonymous, fmt.Errorf("no valid credentials")
}
