package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// VCS is the version-control capability WorkspaceSync needs. remoteURL may
// carry inline credentials; implementations must not persist it.
type VCS interface {
	Clone(ctx context.Context, remoteURL, branch, dir string) error
	Pull(ctx context.Context, dir, remoteURL, branch string) error
	SetRemoteURL(ctx context.Context, dir, remoteURL string) error
}

// GitClient implements VCS by shelling out to the git CLI.
type GitClient struct {
	binary string
}

// NewGitClient returns a client for the git binary (default "git").
func NewGitClient(binary string) *GitClient {
	if binary = strings.TrimSpace(binary); binary == "" {
		binary = "git"
	}
	return &GitClient{binary: binary}
}

// Clone performs a full clone of remoteURL into dir. The parent of dir must exist.
func (g *GitClient) Clone(ctx context.Context, remoteURL, branch, dir string) error {
	args := []string{"clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", remoteURL, dir)
	return g.run(ctx, "clone", filepath.Dir(dir), args...)
}

// Pull fetches from remoteURL and fast-forwards dir to the fetched head.
// Anything but a clean fast-forward fails. Fetch, unlike pull, honours "--"
// and refuses a remote that looks like an option.
func (g *GitClient) Pull(ctx context.Context, dir, remoteURL, branch string) error {
	args := []string{"fetch", "--quiet", "--", remoteURL}
	if branch != "" {
		args = append(args, branch)
	}
	if err := g.run(ctx, "pull", dir, args...); err != nil {
		return err
	}
	return g.run(ctx, "pull", dir, "merge", "--ff-only", "--quiet", "FETCH_HEAD")
}

// SetRemoteURL points origin at remoteURL.
func (g *GitClient) SetRemoteURL(ctx context.Context, dir, remoteURL string) error {
	return g.run(ctx, "set-remote", dir, "remote", "set-url", "origin", remoteURL)
}

func (g *GitClient) run(ctx context.Context, op, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, g.binary, args...) //nolint:gosec
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=",
		"LC_ALL=C",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &SyncError{Kind: KindUnknown, Op: op, Detail: "git binary not found", Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &SyncError{Kind: KindNetwork, Op: op, Detail: "interrupted", Err: ctxErr}
	}
	return classifyGitFailure(op, stderr.String(), err)
}

var (
	authMarkers = []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"invalid username or password",
		"invalid credentials",
		"bad credentials",
		"permission denied (publickey",
		"returned error: 401",
		"returned error: 403",
		"repository not found",
	}
	networkMarkers = []string{
		"could not resolve host",
		"could not resolve proxy",
		"unable to access",
		"connection refused",
		"connection timed out",
		"operation timed out",
		"network is unreachable",
		"failed to connect",
		"early eof",
		"the remote end hung up unexpectedly",
		"ssl certificate problem",
		"gnutls",
		"rpc failed",
	}
	dirtyMarkers = []string{
		"not possible to fast-forward",
		"cannot fast-forward",
		"diverging branches",
		"divergent branches",
		"would be overwritten",
		"commit your changes or stash them",
		"unmerged files",
		"you have not concluded your merge",
		"needs merge",
	}
)

var credentialInURL = regexp.MustCompile(`://[^/@\s]+@`)

// classifyGitFailure maps git's stderr onto a SyncKind. Auth markers are
// checked first because git prefixes HTTP 401/403 with "unable to access".
func classifyGitFailure(op, stderr string, err error) *SyncError {
	detail := credentialInURL.ReplaceAllString(strings.TrimSpace(stderr), "://***@")
	lower := strings.ToLower(detail)

	kind := KindUnknown
	switch {
	case containsAny(lower, authMarkers):
		kind = KindAuthRequired
	case containsAny(lower, dirtyMarkers):
		kind = KindDirtyLocalState
	case containsAny(lower, networkMarkers):
		kind = KindNetwork
	}
	if len(detail) > 512 {
		detail = detail[:512]
	}
	return &SyncError{Kind: kind, Op: op, Detail: detail, Err: err}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

var (
	gitRefPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	scpRemote     = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9][a-zA-Z0-9.-]*:[^\s]+$`)
)

// ValidateBranch accepts an empty branch (remote default) or a plain ref name
// that git cannot read as an option.
func ValidateBranch(branch string) error {
	if branch == "" {
		return nil
	}
	if strings.HasPrefix(branch, "-") || strings.Contains(branch, "..") || !gitRefPattern.MatchString(branch) {
		return fmt.Errorf("%w: invalid branch %q", ErrInvalidRemote, branch)
	}
	return nil
}

// ValidateRemote accepts http(s) and ssh remotes, including scp-style
// "user@host:path". Absolute local paths and file:// URLs are accepted only
// when allowLocal is set.
func ValidateRemote(remote string, allowLocal bool) error {
	if remote == "" || strings.HasPrefix(remote, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidRemote, remote)
	}
	if !strings.Contains(remote, "://") {
		switch {
		case scpRemote.MatchString(remote):
			return nil
		case allowLocal && filepath.IsAbs(remote):
			return nil
		}
		return fmt.Errorf("%w: unsupported remote %q", ErrInvalidRemote, remote)
	}
	u, err := url.Parse(remote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	switch u.Scheme {
	case "http", "https", "ssh":
		if u.Host == "" || strings.HasPrefix(u.Host, "-") {
			return fmt.Errorf("%w: invalid host", ErrInvalidRemote)
		}
		return nil
	case "file":
		if allowLocal {
			return nil
		}
	}
	return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidRemote, u.Scheme)
}

// AuthURL embeds credential into an http(s) remote as inline userinfo.
// "user:secret" becomes user and password; anything else is sent as the
// username. Remotes that are not http(s) URLs (local paths, scp-style,
// file://, ssh://) are returned unchanged.
func AuthURL(remote, credential string) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", ErrInvalidRemote
	}
	if !strings.Contains(remote, "://") {
		return remote, nil
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return remote, nil
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidRemote)
	}
	if user, pass, ok := strings.Cut(credential, ":"); ok {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(credential)
	}
	return u.String(), nil
}

// StripCredentials removes userinfo from an http(s) remote.
func StripCredentials(remote string) string {
	u, err := url.Parse(strings.TrimSpace(remote))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return remote
	}
	u.User = nil
	return u.String()
}

// RedactURL masks userinfo so a remote can be logged.
func RedactURL(remote string) string {
	u, err := url.Parse(remote)
	if err != nil {
		return credentialInURL.ReplaceAllString(remote, "://***@")
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://***@", 1)
}
