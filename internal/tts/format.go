package tts

import (
	"fmt"
	"strconv"
	"strings"
)

// Format describes the encoding of a synthesizer's audio.
type Format struct {
	// ContentType is the MIME type served to clients.
	ContentType string
	// Extension is the file extension, without the dot, used when audio is
	// written to disk.
	Extension string
}

var (
	FormatMP3    = Format{ContentType: "audio/mpeg", Extension: "mp3"}
	FormatOpus   = Format{ContentType: "audio/ogg", Extension: "opus"}
	FormatULaw   = Format{ContentType: "audio/basic", Extension: "ulaw"}
	FormatALaw   = Format{ContentType: "audio/x-alaw-basic", Extension: "alaw"}
	FormatBinary = Format{ContentType: "application/octet-stream", Extension: "bin"}
)

// FormatPCM is signed 16-bit little-endian PCM at the given rate.
func FormatPCM(sampleRate, channels int) Format {
	return Format{
		ContentType: fmt.Sprintf("audio/L16;rate=%d;channels=%d", sampleRate, max(1, channels)),
		Extension:   "pcm",
	}
}

// ParseOutputFormat maps an ElevenLabs output_format value such as
// "mp3_44100_128" or "pcm_16000" to its Format.
func ParseOutputFormat(name string) Format {
	codec, rest, _ := strings.Cut(name, "_")
	switch codec {
	case "mp3":
		return FormatMP3
	case "opus":
		return FormatOpus
	case "ulaw":
		return FormatULaw
	case "alaw":
		return FormatALaw
	case "pcm":
		rateText, _, _ := strings.Cut(rest, "_")
		sampleRate, err := strconv.Atoi(rateText)
		if err != nil || sampleRate <= 0 {
			return FormatBinary
		}
		return FormatPCM(sampleRate, 1)
	default:
		return FormatBinary
	}
}

// baseType strips MIME parameters.
func (f Format) baseType() string {
	base, _, _ := strings.Cut(f.ContentType, ";")
	return base
}
