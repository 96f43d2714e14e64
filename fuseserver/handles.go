//go:build fuse

package fuseserver

import (
	"sync"
	"sync/atomic"

	"github.com/kafs-project/kafs"
)

// handleTable maps FUSE file handles (opaque uint64s handed back to
// the kernel) to the kafs.Handle they front. FUSE itself has no notion
// of our *kafs.Handle type, so this is the minimal bridge, kept
// separate from fuseserver.go the way the teacher splits concerns
// across small files rather than one.
var (
	handleMu sync.RWMutex
	handles  = map[uint64]*kafs.Handle{}
	nextFh   uint64
)

func registerHandle(h *kafs.Handle) uint64 {
	fh := atomic.AddUint64(&nextFh, 1)
	handleMu.Lock()
	handles[fh] = h
	handleMu.Unlock()
	return fh
}

func lookupHandle(fh uint64) *kafs.Handle {
	handleMu.RLock()
	defer handleMu.RUnlock()
	return handles[fh]
}

func releaseHandle(fh uint64) {
	handleMu.Lock()
	delete(handles, fh)
	handleMu.Unlock()
}
