package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeVCS materialises a fixture tree instead of talking to a remote and
// counts which path each sync took.
type fakeVCS struct {
	fixture string
	delay   time.Duration

	mu            sync.Mutex
	clones        int
	pulls         int
	setRemotes    int
	cloneURL      string
	pullURL       string
	setRemoteURL  string
	cloneErr      error
	pullErr       error
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	cloneStarted  chan string
	releaseClones chan struct{}
	pullStarted   chan struct{}
	releasePulls  chan struct{}
}

func (f *fakeVCS) enter() func() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeVCS) Clone(ctx context.Context, remoteURL, _ string, dir string) error {
	defer f.enter()()
	f.mu.Lock()
	f.clones++
	f.cloneURL = remoteURL
	cloneErr := f.cloneErr
	f.mu.Unlock()

	if f.cloneStarted != nil {
		f.cloneStarted <- dir
	}
	if f.releaseClones != nil {
		select {
		case <-f.releaseClones:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if cloneErr != nil {
		_ = os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
		return cloneErr
	}
	return copyTree(f.fixture, dir)
}

func (f *fakeVCS) Pull(_ context.Context, dir, remoteURL, _ string) error {
	defer f.enter()()
	f.mu.Lock()
	f.pulls++
	f.pullURL = remoteURL
	pullErr := f.pullErr
	started, release := f.pullStarted, f.releasePulls
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if pullErr != nil {
		return pullErr
	}
	return copyTree(f.fixture, dir)
}

func (f *fakeVCS) SetRemoteURL(_ context.Context, _ string, remoteURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRemotes++
	f.setRemoteURL = remoteURL
	return nil
}

func (f *fakeVCS) counts() (clones, pulls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clones, f.pulls
}

type syncRecorder struct {
	mu       sync.Mutex
	synced   map[string]int
	failures map[string]int
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{synced: map[string]int{}, failures: map[string]int{}}
}

func (r *syncRecorder) MirrorSynced(op string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced[op]++
}

func (r *syncRecorder) MirrorSyncFailed(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[kind]++
}

func (r *syncRecorder) failed(kind SyncKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[string(kind)]
}

// writeTree creates files (slash-separated keys) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// treeHash digests every path and file body under root.
func treeHash(t *testing.T, root string) string {
	t.Helper()
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, p)
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(names)

	h := sha256.New()
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(n)))
		require.NoError(t, err)
		h.Write([]byte(n))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func newTestService(t *testing.T, vcs VCS, opts Options) *Service {
	t.Helper()
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Join(t.TempDir(), "mirrors")
	}
	opts.VCS = vcs
	svc, err := NewService(opts)
	require.NoError(t, err)
	return svc
}

var sampleFixture = map[string]string{
	"README.md":             "# demo\n",
	"src/main.go":           "package main\n",
	"src/deep/nested/x.txt": "x\n",
	".git/config":           "[core]\n",
	".env":                  "TOKEN=secret\n",
}
