package media

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// CodecType represents the video codec of a capture track
type CodecType string

const (
	CodecVP8  CodecType = "vp8"
	CodecVP9  CodecType = "vp9"
	CodecH264 CodecType = "h264"
)

// CodecInfo describes a codec option for the UI
type CodecInfo struct {
	Type        CodecType
	Name        string // Display name
	Description string // Short description
	FourCC      string // IVF container tag, empty when IVF cannot carry it
}

// AvailableCodecs lists the codecs a streamer track can carry
var AvailableCodecs = []CodecInfo{
	{Type: CodecVP8, Name: "VP8", Description: "fast, compatible", FourCC: "VP80"},
	{Type: CodecVP9, Name: "VP9", Description: "better quality", FourCC: "VP90"},
	{Type: CodecH264, Name: "H.264", Description: "hardware decode in most browsers"},
}

// CodecByType finds a codec by type
func CodecByType(codecType CodecType) *CodecInfo {
	for i := range AvailableCodecs {
		if AvailableCodecs[i].Type == codecType {
			return &AvailableCodecs[i]
		}
	}
	return nil
}

// ParseCodecFlag parses a codec name from flags or config, defaulting to VP8
func ParseCodecFlag(value string) CodecType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "vp9":
		return CodecVP9
	case "h264", "h.264", "avc":
		return CodecH264
	default:
		return CodecVP8
	}
}

// MimeType returns the RTP MIME type of the codec
func (c CodecType) MimeType() string {
	switch c {
	case CodecVP9:
		return webrtc.MimeTypeVP9
	case CodecH264:
		return webrtc.MimeTypeH264
	default:
		return webrtc.MimeTypeVP8
	}
}
