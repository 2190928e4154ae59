package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Prefs holds the dashboard choices remembered between runs
type Prefs struct {
	FPS      int    `json:"fps"`      // index into FPSPresets
	Streamer string `json:"streamer"` // last selected streamer id
	ShowLog  bool   `json:"showLog"`
}

// DefaultPrefs returns the default preferences
func DefaultPrefs() Prefs {
	return Prefs{
		FPS:     DefaultFPSIndex(),
		ShowLog: true,
	}
}

// PrefsPath returns the preferences file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config directory.
func PrefsPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "pixelpeep")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "pixelpeep")
	}

	return filepath.Join(configDir, "prefs.json"), nil
}

// LoadPrefs reads preferences from path.
// A missing or unreadable file yields the defaults.
func LoadPrefs(path string) (Prefs, error) {
	prefs := DefaultPrefs()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prefs, nil
		}
		return prefs, err
	}

	// keep defaults for missing fields
	if err := json.Unmarshal(data, &prefs); err != nil {
		return DefaultPrefs(), nil
	}
	if prefs.FPS < 0 || prefs.FPS >= len(FPSPresets) {
		prefs.FPS = DefaultFPSIndex()
	}
	return prefs, nil
}

// SavePrefs writes preferences to path
func SavePrefs(path string, prefs Prefs) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
