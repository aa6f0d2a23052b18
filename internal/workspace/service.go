package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moby/patternmatcher"
)

// DefaultBaseDir is where mirrors live when no base directory is configured.
const DefaultBaseDir = "./cloned_repos"

// Recorder receives sync outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	MirrorSynced(op string, seconds float64)
	MirrorSyncFailed(kind string)
}

// Options configures a Service.
type Options struct {
	BaseDir   string
	Namespace string
	Ignore    []string
	VCS       VCS
	Store     Store
	Logger    *slog.Logger
	Recorder  Recorder
	Now       func() time.Time

	// AllowLocalRemotes admits absolute paths and file:// remotes.
	AllowLocalRemotes bool
}

// Service keeps per-project mirrors of remote repositories under one base
// directory and lists their files.
type Service struct {
	baseDir   string
	namespace string
	ignore    *patternmatcher.PatternMatcher
	vcs       VCS
	store     Store
	log       *slog.Logger
	rec       Recorder
	now       func() time.Time
	locks     *projectLocks

	allowLocal bool
}

// NewService validates opts and returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.VCS == nil {
		return nil, errors.New("workspace: VCS is required")
	}
	base := opts.BaseDir
	if base == "" {
		base = DefaultBaseDir
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	var pm *patternmatcher.PatternMatcher
	if len(opts.Ignore) > 0 {
		pm, err = patternmatcher.New(opts.Ignore)
		if err != nil {
			return nil, fmt.Errorf("compile ignore patterns: %w", err)
		}
	}

	s := &Service{
		baseDir:   abs,
		namespace: strings.Trim(opts.Namespace, "/"),
		ignore:    pm,
		vcs:       opts.VCS,
		store:     opts.Store,
		log:       opts.Logger,
		rec:       opts.Recorder,
		now:       opts.Now,
		locks:     newProjectLocks(),

		allowLocal: opts.AllowLocalRemotes,
	}
	if s.namespace == "" {
		s.namespace = DefaultNamespace
	}
	if s.store == nil {
		s.store = NewInMemoryStore()
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// BaseDir returns the absolute directory holding all mirrors.
func (s *Service) BaseDir() string { return s.baseDir }

// Namespace returns the segment prepended to listed paths.
func (s *Service) Namespace() string { return s.namespace }

// LocalRoot is where projectID's mirror lives. It depends on the project ID
// only, never on the remote's name.
func (s *Service) LocalRoot(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

// EnsureMirror clones remote into the project's local root if it is absent,
// otherwise fast-forwards it. Calls for the same project are serialized, both
// inside this process and across processes sharing the base directory.
func (s *Service) EnsureMirror(ctx context.Context, projectID string, remote RemoteRef, credential string) (Mirror, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return Mirror{}, err
	}
	remote.URL = strings.TrimSpace(remote.URL)
	remote.Branch = strings.TrimSpace(remote.Branch)
	if err := ValidateRemote(remote.URL, s.allowLocal); err != nil {
		return Mirror{}, err
	}
	if err := ValidateBranch(remote.Branch); err != nil {
		return Mirror{}, err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		s.failed(KindAuthRequired)
		return Mirror{}, &SyncError{Kind: KindAuthRequired, Op: "ensure", Detail: "no credential supplied"}
	}
	authURL, err := AuthURL(remote.URL, credential)
	if err != nil {
		return Mirror{}, err
	}
	remote.URL = StripCredentials(remote.URL)

	mu := s.locks.get(projectID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		s.failed(KindIO)
		return Mirror{}, &SyncError{Kind: KindIO, Op: "ensure", Detail: "create base dir", Err: err}
	}
	fl, err := acquireFileLock(ctx, s.baseDir, projectID)
	if err != nil {
		kind := KindIO
		if ctx.Err() != nil {
			kind = KindNetwork
		}
		s.failed(kind)
		return Mirror{}, &SyncError{Kind: kind, Op: "lock", Err: err}
	}
	defer func() { _ = fl.Unlock() }()

	root := s.LocalRoot(projectID)
	log := s.log.With(slog.String("project_id", projectID), slog.String("remote", RedactURL(remote.URL)))

	op := "pull"
	start := s.now()
	_, statErr := os.Stat(root)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		op = "clone"
		err = s.clone(ctx, root, authURL, remote)
	case statErr != nil:
		err = &SyncError{Kind: KindIO, Op: "stat", Err: statErr}
	default:
		err = s.vcs.Pull(ctx, root, authURL, remote.Branch)
	}
	if err != nil {
		var se *SyncError
		if !errors.As(err, &se) {
			se = &SyncError{Kind: KindUnknown, Op: op, Err: err}
		}
		s.failed(se.Kind)
		log.Warn("mirror sync failed",
			slog.String("op", op),
			slog.String("kind", string(se.Kind)),
			slog.String("error", se.Error()),
		)
		return Mirror{}, se
	}

	synced := s.now()
	if s.rec != nil {
		s.rec.MirrorSynced(op, synced.Sub(start).Seconds())
	}
	m := Mirror{
		ProjectID:    projectID,
		Remote:       remote,
		LocalRoot:    root,
		LastSyncedAt: synced.UTC(),
	}
	if err := s.store.SetMirror(ctx, m); err != nil {
		log.Warn("record mirror failed", slog.String("error", err.Error()))
	}
	log.Info("mirror synced", slog.String("op", op), slog.Duration("took", synced.Sub(start)))
	return m, nil
}

// clone removes a partially written root on failure so the next call retries
// the clone rather than pulling into a broken tree.
func (s *Service) clone(ctx context.Context, root, authURL string, remote RemoteRef) error {
	if err := s.vcs.Clone(ctx, authURL, remote.Branch, root); err != nil {
		_ = os.RemoveAll(root)
		return err
	}
	if authURL != remote.URL {
		if err := s.vcs.SetRemoteURL(ctx, root, remote.URL); err != nil {
			_ = os.RemoveAll(root)
			return err
		}
	}
	return nil
}

func (s *Service) failed(kind SyncKind) {
	if s.rec != nil {
		s.rec.MirrorSyncFailed(string(kind))
	}
}

// Lookup returns the stored record for projectID.
func (s *Service) Lookup(ctx context.Context, projectID string) (Mirror, bool, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return Mirror{}, false, err
	}
	return s.store.GetMirror(ctx, projectID)
}

// Mirrors returns every stored mirror record, ordered by project ID.
func (s *Service) Mirrors(ctx context.Context) ([]Mirror, error) {
	return s.store.ListMirrors(ctx)
}

// ListPaths walks the mirror depth first in lexical order and returns every
// regular file as a namespace-prefixed slash path. Hidden entries and ignored
// patterns are skipped along with everything beneath them. An unreadable
// subdirectory is logged and skipped; an unreadable root is an error.
func (s *Service) ListPaths(m Mirror) ([]PathEntry, error) {
	root := m.LocalRoot
	if root == "" {
		if err := ValidateProjectID(m.ProjectID); err != nil {
			return nil, err
		}
		root = s.LocalRoot(m.ProjectID)
	}

	if m.ProjectID != "" {
		mu := s.locks.get(m.ProjectID)
		mu.RLock()
		defer mu.RUnlock()
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.ProjectID, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: %s is not a directory", m.ProjectID, root)
	}

	out := []PathEntry{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			s.log.Warn("skipping unreadable path",
				slog.String("project_id", m.ProjectID),
				slog.String("path", p),
				slog.String("error", walkErr.Error()),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), HiddenMarker) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if s.ignored(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		out = append(out, PathEntry(path.Join(s.namespace, filepath.ToSlash(rel))))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.ProjectID, err)
	}
	// Order by slash path, not by native separator.
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Service) ignored(rel string) bool {
	if s.ignore == nil {
		return false
	}
	match, err := s.ignore.MatchesOrParentMatches(rel)
	if err != nil {
		s.log.Debug("ignore pattern error", slog.String("path", rel), slog.String("error", err.Error()))
		return false
	}
	return match
}
