package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/tinyinbox/pkg/auth"
	"github.com/tinyland-inc/tinyinbox/pkg/config"
)

const Logo = "📬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tinyinbox")
}

func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// LoadCredential returns the stored backend credential, preferring the token
// from the config file when both exist. Nil means anonymous.
func LoadCredential(cfg *config.Config) (*auth.Credential, error) {
	if cfg != nil && cfg.API.Token != "" {
		return &auth.Credential{AccessToken: cfg.API.Token}, nil
	}
	return auth.LoadCredential(auth.CredentialPath(GetConfigDir()))
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
