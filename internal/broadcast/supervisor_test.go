package broadcast

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProcess is an encoder stand-in driven by the test.
type fakeProcess struct {
	r *io.PipeReader
	w *io.PipeWriter

	exitCh        chan int
	exitOnce      sync.Once
	ignoreSignals bool
	interrupts    atomic.Int32
	kills         atomic.Int32
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{r: r, w: w, exitCh: make(chan int, 1)}
}

func (p *fakeProcess) Diagnostics() io.Reader { return p.r }
func (p *fakeProcess) Pid() int               { return 4242 }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

func (p *fakeProcess) Interrupt() error {
	p.interrupts.Add(1)
	if !p.ignoreSignals {
		go p.exit(255)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	go p.exit(-1)
	return nil
}

func (p *fakeProcess) writeLine(s string) {
	_, _ = io.WriteString(p.w, s+"\n")
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.w.Close()
		p.exitCh <- code
	})
}

// fakeLauncher hands out queued processes and records argument lists.
type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	args  [][]string
	err   error
}

func (l *fakeLauncher) Launch(args []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.args = append(l.args, args)
	if len(l.procs) == 0 {
		return newFakeProcess(), nil
	}
	p := l.procs[0]
	l.procs = l.procs[1:]
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.args)
}

type countingRecorder struct {
	started, ended, dropped atomic.Int32
}

func (r *countingRecorder) BroadcastStarted()     { r.started.Add(1) }
func (r *countingRecorder) BroadcastEnded(string) { r.ended.Add(1) }
func (r *countingRecorder) EventDropped()         { r.dropped.Add(1) }

func newTestSupervisor(l Launcher, rec Recorder) *Supervisor {
	return NewSupervisor(Options{
		Launcher:      l,
		IngestBaseURL: "rtmp://ingest.test/live2",
		Capture:       Capture{Format: "x11grab", Input: ":0.0"},
		GracePeriod:   50 * time.Millisecond,
		Recorder:      rec,
	})
}

func request720(key string) StartRequest {
	p, _ := NewProfile(Quality720p, 2500)
	return StartRequest{SecretKey: key, ProjectID: "p1", Profile: p}
}

func waitStatus(t *testing.T, s *Supervisor, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Session().Status == want },
		2*time.Second, 5*time.Millisecond, "status never became %s (now %s)", want, s.Session().Status)
}

func TestSupervisor_idle_snapshot(t *testing.T) {
	s := newTestSupervisor(&fakeLauncher{}, nil)
	require.Equal(t, StatusIdle, s.Session().Status)
	require.False(t, s.Active())
}

func TestSupervisor_Start_validation(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(l, nil)

	_, err := s.Start(request720("  "))
	require.ErrorIs(t, err, ErrMissingSecretKey)

	_, err = s.Start(StartRequest{SecretKey: "k", Profile: Profile{Quality: "4k", BitrateKbps: 1}})
	require.ErrorIs(t, err, ErrInvalidProfile)

	require.Equal(t, 0, l.launches())
	require.Equal(t, StatusIdle, s.Session().Status)
}

func TestSupervisor_Start_encoder_unavailable(t *testing.T) {
	l := &fakeLauncher{err: errors.New("exec: \"ffmpeg\": not found")}
	s := newTestSupervisor(l, nil)

	_, err := s.Start(request720("abc"))
	require.ErrorIs(t, err, ErrEncoderUnavailable)
	require.Equal(t, StatusIdle, s.Session().Status)
}

func TestSupervisor_second_Start_rejected(t *testing.T) {
	proc := newFakeProcess()
	l := &fakeLauncher{procs: []*fakeProcess{proc}}
	s := newTestSupervisor(l, nil)

	first, err := s.Start(request720("abc"))
	require.NoError(t, err)
	require.Equal(t, StatusConnecting, first.Status)

	_, err = s.Start(request720("other"))
	require.ErrorIs(t, err, ErrAlreadyActive)

	cur := s.Session()
	require.Equal(t, first.ID, cur.ID)
	require.Equal(t, StatusConnecting, cur.Status)
	require.Equal(t, 1, l.launches())

	proc.exit(0)
	waitStatus(t, s, StatusError)
}

func TestSupervisor_concurrent_Start_single_winner(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(l, nil)

	var wg sync.WaitGroup
	var wins, rejects atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(request720("abc"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				rejects.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(15), rejects.Load())
	require.Equal(t, 1, l.launches())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSupervisor_Stop_idempotent(t *testing.T) {
	rec := &countingRecorder{}
	s := newTestSupervisor(&fakeLauncher{}, rec)
	events, cancel := s.Subscribe(context.Background())
	defer cancel()

	_, err := s.Start(request720("abc"))
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	require.ErrorIs(t, s.Stop(context.Background()), ErrNoActiveSession)

	e := recv(t, events)
	require.Equal(t, EventEnded, e.Type)
	require.Equal(t, StatusStopped, s.Session().Status)
	require.Equal(t, int32(1), rec.started.Load())
	require.Equal(t, int32(1), rec.ended.Load())
}

func TestSupervisor_Stop_without_session(t *testing.T) {
	s := newTestSupervisor(&fakeLauncher{}, nil)
	require.ErrorIs(t, s.Stop(context.Background()), ErrNoActiveSession)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSupervisor_Stop_escalates_to_kill(t *testing.T) {
	proc := newFakeProcess()
	proc.ignoreSignals = true
	s := newTestSupervisor(&fakeLauncher{procs: []*fakeProcess{proc}}, nil)
	events, cancel := s.Subscribe(context.Background())
	defer cancel()

	_, err := s.Start(request720("abc"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.Equal(t, int32(1), proc.interrupts.Load())
	require.Equal(t, int32(1), proc.kills.Load())

	e := recv(t, events)
	require.Equal(t, EventEnded, e.Type)
	require.Equal(t, -1, e.ExitCode)
	require.Equal(t, StatusStopped, s.Session().Status)

	select {
	case extra := <-events:
		t.Fatalf("unexpected second event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisor_Stop_context_cancel_kills(t *testing.T) {
	proc := newFakeProcess()
	proc.ignoreSignals = true
	s := NewSupervisor(Options{
		Launcher:    &fakeLauncher{procs: []*fakeProcess{proc}},
		GracePeriod: time.Minute,
	})
	_, err := s.Start(request720("abc"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Stop(ctx))
	require.Equal(t, int32(1), proc.kills.Load())
}

func TestSupervisor_immediate_exit_yields_single_Ended(t *testing.T) {
	proc := newFakeProcess()
	s := newTestSupervisor(&fakeLauncher{procs: []*fakeProcess{proc}}, nil)
	events, cancel := s.Subscribe(context.Background())
	defer cancel()

	_, err := s.Start(request720("abc"))
	require.NoError(t, err)
	proc.exit(0)

	e := recv(t, events)
	require.Equal(t, EventEnded, e.Type)
	require.Equal(t, 0, e.ExitCode)

	// Exited before any diagnostic output: never went live.
	waitStatus(t, s, StatusError)

	select {
	case extra := <-events:
		t.Fatalf("unexpected second event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisor_end_to_end_stub_encoder(t *testing.T) {
	proc := newFakeProcess()
	l := &fakeLauncher{procs: []*fakeProcess{proc}}
	s := newTestSupervisor(l, nil)
	events, cancel := s.Subscribe(context.Background())
	defer cancel()

	p, err := NewProfile(Quality720p, 2500)
	require.NoError(t, err)
	info, err := s.Start(StartRequest{SecretKey: "abc", Profile: p})
	require.NoError(t, err)
	require.Equal(t, StatusConnecting, info.Status)
	require.Equal(t, "rtmp://ingest.test/live2/****", info.Destination)

	go func() {
		proc.writeLine("Input #0, x11grab, from ':0.0':")
		proc.exit(0)
	}()

	first := recv(t, events)
	require.Equal(t, EventLog, first.Type)
	require.Equal(t, "Input #0, x11grab, from ':0.0':", first.Text)

	second := recv(t, events)
	require.Equal(t, EventEnded, second.Type)
	require.Equal(t, 0, second.ExitCode)
	require.Equal(t, "Stream ended with code 0", second.Message())

	final := s.Session()
	require.Equal(t, StatusStopped, final.Status)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
	require.Equal(t, []string{"Input #0, x11grab, from ':0.0':"}, final.RecentLogs)

	require.Equal(t, "rtmp://ingest.test/live2/abc", l.args[0][len(l.args[0])-1])
}

func TestSupervisor_nonzero_exit_after_live_is_error(t *testing.T) {
	proc := newFakeProcess()
	s := newTestSupervisor(&fakeLauncher{procs: []*fakeProcess{proc}}, nil)

	_, err := s.Start(request720("abc"))
	require.NoError(t, err)
	proc.writeLine("frame=1 fps=30")
	waitStatus(t, s, StatusLive)

	proc.exit(1)
	waitStatus(t, s, StatusError)
	require.Equal(t, 1, *s.Session().ExitCode)
}

func TestSupervisor_restart_after_end(t *testing.T) {
	first := newFakeProcess()
	l := &fakeLauncher{procs: []*fakeProcess{first}}
	s := newTestSupervisor(l, nil)
	events, cancel := s.Subscribe(context.Background())
	defer cancel()

	_, err := s.Start(request720("abc"))
	require.NoError(t, err)
	first.exit(1)
	require.Equal(t, EventEnded, recv(t, events).Type)

	// The handle is released before Ended is published.
	info, err := s.Start(request720("abc"))
	require.NoError(t, err)
	require.Equal(t, StatusConnecting, info.Status)
	require.NoError(t, s.Stop(context.Background()))
}

func TestSupervisor_recent_logs_bounded(t *testing.T) {
	proc := newFakeProcess()
	s := NewSupervisor(Options{
		Launcher:       &fakeLauncher{procs: []*fakeProcess{proc}},
		RecentLogLines: 2,
	})
	_, err := s.Start(request720("abc"))
	require.NoError(t, err)

	for _, l := range []string{"a", "b", "c"} {
		proc.writeLine(l)
	}
	proc.exit(0)
	waitStatus(t, s, StatusStopped)
	require.Equal(t, []string{"b", "c"}, s.Session().RecentLogs)
}

func TestScanDiagnosticLines(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a\nb\n", []string{"a", "b"}},
		{"a\r\nb", []string{"a", "b"}},
		{"frame=1\rframe=2\rdone\n", []string{"frame=1", "frame=2", "done"}},
		{"tail-without-newline", []string{"tail-without-newline"}},
	}
	for _, tc := range cases {
		var got []string
		data := []byte(tc.in)
		for len(data) > 0 {
			adv, tok, err := scanDiagnosticLines(data, true)
			require.NoError(t, err)
			if adv == 0 {
				break
			}
			got = append(got, string(tok))
			data = data[adv:]
		}
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}
}
