package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 100 * time.Millisecond

// projectLocks hands out one RWMutex per project. Entries are never removed;
// the set is bounded by the number of projects seen by this process.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[string]*sync.RWMutex)}
}

func (l *projectLocks) get(projectID string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[projectID]
	if !ok {
		m = &sync.RWMutex{}
		l.locks[projectID] = m
	}
	return m
}

// lockFilePath is the cross-process lock for one mirror. It lives beside the
// mirror, hidden, so it is never part of a listing.
func lockFilePath(baseDir, projectID string) string {
	return filepath.Join(baseDir, HiddenMarker+projectID+".lock")
}

// acquireFileLock takes the exclusive flock for projectID, waiting until ctx ends.
func acquireFileLock(ctx context.Context, baseDir, projectID string) (*flock.Flock, error) {
	fl := flock.New(lockFilePath(baseDir, projectID))
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock mirror %s: %w", projectID, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock mirror %s: not acquired", projectID)
	}
	return fl, nil
}
