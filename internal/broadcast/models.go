package broadcast

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a broadcast session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Active reports whether the session still owns a running encoder.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusLive
}

var (
	// ErrAlreadyActive is returned by Start while a session is connecting or live.
	ErrAlreadyActive = errors.New("broadcast already active")

	// ErrNoActiveSession is returned by Stop when nothing is running.
	ErrNoActiveSession = errors.New("no active broadcast")

	// ErrEncoderUnavailable is returned when the encoder binary cannot be
	// located or started. No state transition happens in that case.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrMissingSecretKey is returned when Start is called without a stream key.
	ErrMissingSecretKey = errors.New("secret key is required")

	// ErrInvalidProfile wraps every encode profile validation failure.
	ErrInvalidProfile = errors.New("invalid encode profile")

	// ErrStopTimeout is returned when the encoder survives both the interrupt
	// and the forced kill within the allotted time.
	ErrStopTimeout = errors.New("encoder did not exit after kill")
)

// Quality names one of the fixed capture resolutions.
type Quality string

const (
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
)

// DefaultQuality is used when a start request leaves quality empty.
const DefaultQuality = Quality720p

// Resolution is a capture size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

var resolutions = map[Quality]Resolution{
	Quality480p:  {Width: 854, Height: 480},
	Quality720p:  {Width: 1280, Height: 720},
	Quality1080p: {Width: 1920, Height: 1080},
}

// ParseQuality normalizes s and checks it against the supported set.
// An empty string selects DefaultQuality.
func ParseQuality(s string) (Quality, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultQuality, nil
	}
	q := Quality(s)
	if _, ok := resolutions[q]; !ok {
		return "", fmt.Errorf("%w: unsupported quality %q", ErrInvalidProfile, s)
	}
	return q, nil
}

// Resolution returns the pixel dimensions for q.
func (q Quality) Resolution() (Resolution, bool) {
	r, ok := resolutions[q]
	return r, ok
}

// Fixed parts of the encode profile.
const (
	DefaultBitrateKbps     = 2500
	DefaultFrameRate       = 30
	DefaultAudioBitrate    = 128
	DefaultAudioSampleRate = 48000
	gopSeconds             = 2
)

// Profile is the encode configuration of one session. It is copied into the
// session on Start and never mutated afterwards.
type Profile struct {
	Quality          Quality `json:"quality"`
	BitrateKbps      int     `json:"bitrateKbps"`
	FrameRate        int     `json:"frameRate"`
	AudioBitrateKbps int     `json:"audioBitrateKbps"`
	AudioSampleRate  int     `json:"audioSampleRate"`
}

// NewProfile builds a Profile with the fixed frame rate and audio settings.
func NewProfile(quality Quality, bitrateKbps int) (Profile, error) {
	p := Profile{
		Quality:          quality,
		BitrateKbps:      bitrateKbps,
		FrameRate:        DefaultFrameRate,
		AudioBitrateKbps: DefaultAudioBitrate,
		AudioSampleRate:  DefaultAudioSampleRate,
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks every field of the profile.
func (p Profile) Validate() error {
	if _, ok := resolutions[p.Quality]; !ok {
		return fmt.Errorf("%w: unsupported quality %q", ErrInvalidProfile, p.Quality)
	}
	if p.BitrateKbps <= 0 {
		return fmt.Errorf("%w: bitrate must be a positive integer, got %d", ErrInvalidProfile, p.BitrateKbps)
	}
	if p.FrameRate <= 0 || p.AudioBitrateKbps <= 0 || p.AudioSampleRate <= 0 {
		return fmt.Errorf("%w: frame rate and audio settings must be positive", ErrInvalidProfile)
	}
	return nil
}

// MaxRateKbps is 1.2x the target bitrate, rounded to the nearest kbps.
func (p Profile) MaxRateKbps() int {
	return (p.BitrateKbps*12 + 5) / 10
}

// BufSizeKbps is 2x the target bitrate.
func (p Profile) BufSizeKbps() int {
	return p.BitrateKbps * 2
}

// GOPFrames is the closed GOP length: two seconds of frames.
func (p Profile) GOPFrames() int {
	return p.FrameRate * gopSeconds
}

// StartRequest carries everything needed to go live.
type StartRequest struct {
	SecretKey string
	ProjectID string
	Title     string
	Profile   Profile
}

// SessionInfo is a read-only snapshot of the current or most recent session.
type SessionInfo struct {
	ID          string     `json:"id,omitempty"`
	ProjectID   string     `json:"projectId,omitempty"`
	Title       string     `json:"title,omitempty"`
	Status      Status     `json:"status"`
	Profile     *Profile   `json:"profile,omitempty"`
	Destination string     `json:"destination,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	RecentLogs  []string   `json:"recentLogs,omitempty"`
}

// EventType tags a BroadcastEvent.
type EventType string

const (
	EventLog   EventType = "log"
	EventEnded EventType = "ended"
)

// Event is delivered to subscribers: one Log per diagnostic line and exactly
// one Ended per launched encoder process.
type Event struct {
	Type      EventType
	SessionID string
	Text      string
	ExitCode  int
	Time      time.Time
}

// Message renders an Ended event for observers.
func (e Event) Message() string {
	if e.Type != EventEnded {
		return e.Text
	}
	return fmt.Sprintf("Stream ended with code %d", e.ExitCode)
}

func logEvent(sessionID, text string, at time.Time) Event {
	return Event{Type: EventLog, SessionID: sessionID, Text: text, Time: at}
}

func endedEvent(sessionID string, code int, at time.Time) Event {
	return Event{Type: EventEnded, SessionID: sessionID, ExitCode: code, Time: at}
}
