package settings

import (
	"strconv"
	"strings"
)

// FPSPreset defines an application tick rate
type FPSPreset struct {
	Value       int
	Name        string
	Description string
}

// FPS presets from lowest to highest
var FPSPresets = []FPSPreset{
	{Value: 15, Name: "15", Description: "low power"},
	{Value: 24, Name: "24", Description: "cinematic"},
	{Value: 30, Name: "30", Description: "standard"},
	{Value: 60, Name: "60", Description: "smooth"},
	{Value: 120, Name: "120", Description: "ultra smooth"},
}

// DefaultFPSIndex returns the index of the default FPS preset (30)
func DefaultFPSIndex() int {
	return 2
}

// DefaultFPS returns the default FPS preset
func DefaultFPS() FPSPreset {
	return FPSPresets[DefaultFPSIndex()]
}

// ParseFPSFlag parses the --fps flag value, falling back to the default preset
func ParseFPSFlag(value string) int {
	if fps, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && fps > 0 {
		return fps
	}
	return DefaultFPS().Value
}

// FPSIndexForValue returns the index of the preset matching fps, or the default index
func FPSIndexForValue(fps int) int {
	for i, preset := range FPSPresets {
		if preset.Value == fps {
			return i
		}
	}
	return DefaultFPSIndex()
}
