package main

import (
	"sync"
	"time"

	"codestream/internal/workspace"
)

const defaultShutdownTimeout = 10 * time.Second

// openMirrorStore returns the SQLite store when path is set, else an in-memory
// one. The returned close func is safe to call more than once.
func openMirrorStore(path string) (workspace.Store, func(), error) {
	if path == "" {
		return workspace.NewInMemoryStore(), func() {}, nil
	}
	s, err := workspace.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	return s, sync.OnceFunc(func() { _ = s.Close() }), nil
}
