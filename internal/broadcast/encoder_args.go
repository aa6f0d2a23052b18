package broadcast

import (
	"runtime"
	"strconv"
	"strings"
)

// Capture selects the desktop grab device handed to the encoder.
type Capture struct {
	Format string
	Input  string
}

// DefaultCapture returns the desktop grab device for goos.
func DefaultCapture(goos string) Capture {
	switch goos {
	case "windows":
		return Capture{Format: "gdigrab", Input: "desktop"}
	case "darwin":
		return Capture{Format: "avfoundation", Input: "1:none"}
	default:
		return Capture{Format: "x11grab", Input: ":0.0"}
	}
}

// HostCapture is DefaultCapture for the running OS.
func HostCapture() Capture {
	return DefaultCapture(runtime.GOOS)
}

// DefaultIngestBaseURL is the RTMP ingest the stream key is appended to.
const DefaultIngestBaseURL = "rtmp://a.rtmp.youtube.com/live2"

// Destination builds the ingest URL for key.
func Destination(base, key string) string {
	return ingestBase(base) + "/" + strings.TrimSpace(key)
}

func ingestBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultIngestBaseURL
	}
	return base
}

// RedactDestination masks everything dest carries after the ingest base so
// it can be logged. A dest not built on base is masked entirely.
func RedactDestination(base, dest string) string {
	prefix := ingestBase(base) + "/"
	if !strings.HasPrefix(dest, prefix) {
		return "****"
	}
	if len(dest) == len(prefix) {
		return dest
	}
	return prefix + "****"
}

// BuildEncoderArgs returns the fixed encode-and-publish argument list: grab
// the desktop, mux a silent stereo track, encode low-latency H.264 with a
// closed two second GOP, encode AAC, and push FLV to destination.
func BuildEncoderArgs(c Capture, p Profile, destination string) []string {
	res, _ := p.Quality.Resolution()
	fps := strconv.Itoa(p.FrameRate)
	gop := strconv.Itoa(p.GOPFrames())
	sampleRate := strconv.Itoa(p.AudioSampleRate)

	return []string{
		"-hide_banner",
		"-nostdin",
		"-f", c.Format,
		"-framerate", fps,
		"-video_size", res.String(),
		"-i", c.Input,
		"-f", "lavfi",
		"-i", "anullsrc=channel_layout=stereo:sample_rate=" + sampleRate,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-r", fps,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-b:v", kbps(p.BitrateKbps),
		"-maxrate", kbps(p.MaxRateKbps()),
		"-bufsize", kbps(p.BufSizeKbps()),
		"-c:a", "aac",
		"-b:a", kbps(p.AudioBitrateKbps),
		"-ar", sampleRate,
		"-ac", "2",
		"-avoid_negative_ts", "make_zero",
		"-fflags", "+genpts",
		"-f", "flv",
		destination,
	}
}

func kbps(n int) string {
	return strconv.Itoa(n) + "k"
}
