package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Deployment is the environment the server runs in. It decides where the
// token lives and whether one may be generated.
type Deployment string

const (
	DeploymentLocal  Deployment = "local"
	DeploymentDocker Deployment = "docker"
	DeploymentHeroku Deployment = "heroku"
)

// Environment variables understood by the token manager
const (
	EnvAuthToken        = "AUTH_TOKEN"
	EnvTokenDataDir     = "TOKEN_DATA_DIR"
	EnvDockerDeployment = "DOCKER_DEPLOYMENT"
	EnvHerokuDeployment = "HEROKU_DEPLOYMENT"

	// EnvClientToken carries the client credential on the stdio transport
	EnvClientToken = "UNIMAIL_CLIENT_TOKEN"
)

// DetectDeployment resolves the deployment context. An explicit value wins;
// otherwise DOCKER_DEPLOYMENT and HEROKU_DEPLOYMENT are consulted in that
// order, falling back to local.
func DetectDeployment(explicit string, getenv func(string) string) (Deployment, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	switch d := Deployment(strings.ToLower(strings.TrimSpace(explicit))); d {
	case DeploymentLocal, DeploymentDocker, DeploymentHeroku:
		return d, nil
	case "":
	default:
		return "", fmt.Errorf("unknown deployment %q (want local, docker or heroku)", explicit)
	}

	if isTrue(getenv(EnvDockerDeployment)) {
		return DeploymentDocker, nil
	}
	if isTrue(getenv(EnvHerokuDeployment)) {
		return DeploymentHeroku, nil
	}
	return DeploymentLocal, nil
}

// DefaultTokenDir returns the storage root for a deployment context
func DefaultTokenDir(d Deployment) (string, error) {
	switch d {
	case DeploymentDocker:
		return "/data", nil
	case DeploymentHeroku:
		return "/tmp", nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, ".config", "unimail", "tokens"), nil
	}
}

// AllowsGeneration reports whether a token may be generated when none is
// stored or supplied. Heroku's filesystem is ephemeral, so a generated
// token would change on every dyno restart.
func (d Deployment) AllowsGeneration() bool {
	return d != DeploymentHeroku
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
