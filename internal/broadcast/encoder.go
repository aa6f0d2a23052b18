package broadcast

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Process is a running encoder. A session is its only owner: the supervisor
// reads Diagnostics to EOF, then calls Wait exactly once.
type Process interface {
	// Diagnostics is the encoder's diagnostic stream (stderr for ffmpeg).
	Diagnostics() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Interrupt asks the encoder to flush and exit.
	Interrupt() error
	// Kill terminates the encoder immediately.
	Kill() error
	Pid() int
}

// Launcher starts encoder processes.
type Launcher interface {
	Launch(args []string) (Process, error)
}

// ExecLauncher runs the encoder binary with os/exec.
type ExecLauncher struct {
	path string
}

// NewExecLauncher returns a launcher for the binary at path (or a bare name
// resolved through PATH at launch time).
func NewExecLauncher(path string) *ExecLauncher {
	return &ExecLauncher{path: strings.TrimSpace(path)}
}

// Path is the configured binary.
func (l *ExecLauncher) Path() string {
	return l.path
}

// Check reports whether the binary can be resolved right now.
func (l *ExecLauncher) Check() error {
	if l.path == "" {
		return fmt.Errorf("%w: no encoder path configured", ErrEncoderUnavailable)
	}
	if _, err := exec.LookPath(l.path); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	return nil
}

// Launch starts the encoder with args. Any failure to locate or start the
// binary is reported as ErrEncoderUnavailable.
func (l *ExecLauncher) Launch(args []string) (Process, error) {
	if err := l.Check(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.path, args...) //nolint:gosec
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrEncoderUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrEncoderUnavailable, err)
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
}

func (p *execProcess) Diagnostics() io.Reader {
	return p.stderr
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Interrupt() error {
	if runtime.GOOS == "windows" {
		// No SIGINT delivery on windows.
		return p.Kill()
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// ResolveEncoderPath picks the encoder binary: an explicit path wins, then a
// bundled binary under localBinDir, then "ffmpeg" from PATH.
func ResolveEncoderPath(explicit, localBinDir string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if localBinDir != "" {
		candidate := filepath.Join(localBinDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return "ffmpeg"
}
