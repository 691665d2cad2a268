package config

import (
	"os"
	"strings"
)

const (
	venueEnvVar     = "KALSHI_ENVIRONMENT"
	environmentDemo = "demo"
	environmentProd = "prod"
)

const (
	// EnvironmentDemo exposes the canonical demo environment identifier for
	// callers outside the config package.
	EnvironmentDemo = environmentDemo
	// EnvironmentProd exposes the canonical production environment
	// identifier.
	EnvironmentProd = environmentProd
)

var environmentAliases = map[string]string{
	"production": environmentProd,
	"live":       environmentProd,
	"elections":  environmentProd,
	"sandbox":    environmentDemo,
	"paper":      environmentDemo,
}

// GetVenueEnvironment reads the venue environment from KALSHI_ENVIRONMENT
// and defaults to demo when no value is provided.
func GetVenueEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(venueEnvVar)))
	if env == "" {
		return environmentDemo
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolveConfigPath selects an environment specific configuration file when
// one exists next to the default path, e.g. config/config.prod.yml for the
// prod environment.
func ResolveConfigPath(path, defaultPath string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}

	env := GetVenueEnvironment()
	candidate := strings.TrimSuffix(defaultPath, ".yml") + "." + env + ".yml"
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
