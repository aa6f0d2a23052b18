package broadcast

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultGracePeriod is how long Stop waits after the interrupt before killing.
const DefaultGracePeriod = 5 * time.Second

// DefaultRecentLogLines bounds the diagnostic tail kept for status snapshots.
const DefaultRecentLogLines = 20

// Recorder receives lifecycle counts. *metrics.Metrics satisfies it.
type Recorder interface {
	BroadcastStarted()
	BroadcastEnded(status string)
	EventDropped()
}

// Options configures a Supervisor.
type Options struct {
	Launcher         Launcher
	IngestBaseURL    string
	Capture          Capture
	GracePeriod      time.Duration
	SubscriberBuffer int
	RecentLogLines   int
	Logger           *slog.Logger
	Recorder         Recorder
	Now              func() time.Time
}

// Supervisor owns at most one encoder process per server instance. Start and
// Stop are serialized by mu; one goroutine per launched process reads its
// diagnostics, reaps it and performs the terminal transition.
type Supervisor struct {
	launcher    Launcher
	ingestBase  string
	capture     Capture
	grace       time.Duration
	recentLines int
	log         *slog.Logger
	rec         Recorder
	now         func() time.Time
	hub         *Hub

	mu      sync.Mutex
	current *session
}

type session struct {
	id          string
	projectID   string
	title       string
	profile     Profile
	destination string // redacted

	status        Status
	startedAt     time.Time
	endedAt       time.Time
	exitCode      int
	proc          Process
	stopRequested bool
	logs          []string
	done          chan struct{}
}

// NewSupervisor builds a supervisor in the idle state.
func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		launcher:    opts.Launcher,
		ingestBase:  opts.IngestBaseURL,
		capture:     opts.Capture,
		grace:       opts.GracePeriod,
		recentLines: opts.RecentLogLines,
		log:         opts.Logger,
		rec:         opts.Recorder,
		now:         opts.Now,
	}
	if s.ingestBase == "" {
		s.ingestBase = DefaultIngestBaseURL
	}
	if s.capture.Format == "" {
		s.capture = HostCapture()
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.recentLines <= 0 {
		s.recentLines = DefaultRecentLogLines
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.hub = NewHub(opts.SubscriberBuffer, func() {
		if s.rec != nil {
			s.rec.EventDropped()
		}
	})
	return s
}

// Start launches the encoder for req. It fails with ErrAlreadyActive while a
// session is connecting or live, and with ErrEncoderUnavailable (leaving the
// state untouched) when the encoder cannot be started.
func (s *Supervisor) Start(req StartRequest) (SessionInfo, error) {
	key := strings.TrimSpace(req.SecretKey)
	if key == "" {
		return SessionInfo{}, ErrMissingSecretKey
	}
	if err := req.Profile.Validate(); err != nil {
		return SessionInfo{}, err
	}
	if s.launcher == nil {
		return SessionInfo{}, fmt.Errorf("%w: no launcher configured", ErrEncoderUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.status.Active() {
		return SessionInfo{}, ErrAlreadyActive
	}

	dest := Destination(s.ingestBase, key)
	proc, err := s.launcher.Launch(BuildEncoderArgs(s.capture, req.Profile, dest))
	if err != nil {
		s.log.Error("encoder launch failed", slog.String("error", err.Error()))
		if errors.Is(err, ErrEncoderUnavailable) {
			return SessionInfo{}, err
		}
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	sess := &session{
		id:          uuid.NewString(),
		projectID:   req.ProjectID,
		title:       req.Title,
		profile:     req.Profile,
		destination: RedactDestination(s.ingestBase, dest),
		status:      StatusConnecting,
		startedAt:   s.now().UTC(),
		proc:        proc,
		done:        make(chan struct{}),
	}
	s.current = sess

	if s.rec != nil {
		s.rec.BroadcastStarted()
	}
	s.log.Info("broadcast connecting",
		slog.String("session_id", sess.id),
		slog.String("project_id", sess.projectID),
		slog.String("quality", string(req.Profile.Quality)),
		slog.Int("bitrate_kbps", req.Profile.BitrateKbps),
		slog.String("destination", sess.destination),
		slog.Int("pid", proc.Pid()))

	go s.supervise(sess, proc)

	return sess.snapshot(), nil
}

// Stop interrupts the active encoder and waits for it to exit. If it is still
// running after the grace period (or ctx ends first) it is killed. Stop
// returns ErrNoActiveSession when nothing is connecting or live.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	if sess == nil || !sess.status.Active() {
		s.mu.Unlock()
		return ErrNoActiveSession
	}
	proc := sess.proc
	first := !sess.stopRequested
	sess.stopRequested = true
	s.mu.Unlock()

	if first {
		s.log.Info("broadcast stop requested", slog.String("session_id", sess.id))
		if err := proc.Interrupt(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warn("interrupt failed, killing encoder",
				slog.String("session_id", sess.id),
				slog.String("error", err.Error()))
			s.kill(sess, proc)
		}
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()

	select {
	case <-sess.done:
		return nil
	case <-grace.C:
		s.log.Warn("encoder ignored interrupt, killing",
			slog.String("session_id", sess.id),
			slog.Duration("grace", s.grace))
	case <-ctx.Done():
		s.log.Warn("stop cancelled, killing encoder", slog.String("session_id", sess.id))
	}

	s.kill(sess, proc)

	reap := time.NewTimer(s.grace)
	defer reap.Stop()
	select {
	case <-sess.done:
		return nil
	case <-reap.C:
		return ErrStopTimeout
	}
}

// Shutdown stops any active session; it is a no-op when idle.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
		return err
	}
	return nil
}

// Subscribe returns a stream of events from now on. See Hub.Subscribe.
func (s *Supervisor) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.hub.Subscribe(ctx)
}

// Session returns a snapshot of the current or most recent session.
func (s *Supervisor) Session() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return SessionInfo{Status: StatusIdle}
	}
	return s.current.snapshot()
}

// Active reports whether a session is connecting or live.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.status.Active()
}

func (s *Supervisor) kill(sess *session, proc Process) {
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Error("kill encoder failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
	}
}

// supervise relays diagnostics until EOF, reaps the process and publishes the
// single Ended event. It is the only reader of proc and the only caller of Wait.
func (s *Supervisor) supervise(sess *session, proc Process) {
	out := proc.Diagnostics()
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanDiagnosticLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.relay(sess, line)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("diagnostic stream read failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
		// Keep draining so the encoder never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, out)
	}

	code, err := proc.Wait()
	if err != nil {
		s.log.Warn("encoder wait failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
	}
	s.finish(sess, code)
}

func (s *Supervisor) relay(sess *session, line string) {
	s.mu.Lock()
	if sess.status == StatusConnecting {
		sess.status = StatusLive
		s.log.Info("broadcast live", slog.String("session_id", sess.id))
	}
	sess.logs = append(sess.logs, line)
	if len(sess.logs) > s.recentLines {
		sess.logs = append([]string(nil), sess.logs[len(sess.logs)-s.recentLines:]...)
	}
	s.mu.Unlock()

	s.hub.Publish(logEvent(sess.id, line, s.now().UTC()))
}

// finish performs the terminal transition. The handle is released before the
// Ended event goes out so an observer reacting to it can Start again.
func (s *Supervisor) finish(sess *session, code int) {
	s.mu.Lock()
	var final Status
	switch {
	case sess.stopRequested:
		final = StatusStopped
	case sess.status != StatusLive:
		final = StatusError
	case code == 0:
		final = StatusStopped
	default:
		final = StatusError
	}
	sess.status = final
	sess.exitCode = code
	sess.endedAt = s.now().UTC()
	sess.proc = nil
	close(sess.done)
	s.mu.Unlock()

	if s.rec != nil {
		s.rec.BroadcastEnded(string(final))
	}
	s.log.Info("broadcast ended",
		slog.String("session_id", sess.id),
		slog.String("status", string(final)),
		slog.Int("exit_code", code))

	s.hub.Publish(endedEvent(sess.id, code, s.now().UTC()))
}

// snapshot copies session state; caller holds the supervisor lock.
func (sess *session) snapshot() SessionInfo {
	profile := sess.profile
	started := sess.startedAt
	info := SessionInfo{
		ID:          sess.id,
		ProjectID:   sess.projectID,
		Title:       sess.title,
		Status:      sess.status,
		Profile:     &profile,
		Destination: sess.destination,
		StartedAt:   &started,
		RecentLogs:  append([]string(nil), sess.logs...),
	}
	if !sess.status.Active() {
		ended := sess.endedAt
		code := sess.exitCode
		info.EndedAt = &ended
		info.ExitCode = &code
	}
	return info
}

// scanDiagnosticLines splits on \n, \r\n or a bare \r; ffmpeg rewrites its
// progress line with carriage returns.
func scanDiagnosticLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// Wait for more input to tell \r from \r\n.
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
