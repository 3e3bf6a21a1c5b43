package setup

import (
	"os"
	"path/filepath"
)

const (
	appName            = "kiln"
	settingsFileName   = "config.yaml"
	fallbackCacheDir   = "build"
	DefaultManifest    = "manifest.toml"
	DefaultFetchJobs   = 4
	DefaultHTTPTimeout = "10m"
)

// ConfigDir is the directory searched for the settings file.
var ConfigDir = defaultConfigDir()

// DefaultCacheDir is the cache root used when neither a flag nor the
// settings file names one.
var DefaultCacheDir = fallbackCacheDir

// SettingsPath is the default location of the settings file.
func SettingsPath() string {
	if ConfigDir == "" {
		return ""
	}
	return filepath.Join(ConfigDir, settingsFileName)
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		getLogger().Debug("no user config directory", "error", err)
		return ""
	}
	return filepath.Join(dir, appName)
}
