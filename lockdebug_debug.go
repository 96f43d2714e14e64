//go:build kafsdebug

package kafs

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the calling goroutine's id from the header line
// of its own stack trace ("goroutine 123 [running]:"). Debug-only: this
// package never calls it unless built with -tags kafsdebug, since
// parsing a stack trace on every lock acquisition is not something a
// production build should pay for.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

var bucketHolders sync.Map // map[int64]struct{}, goroutines currently holding an HRL bucket lock

func bucketLockEnter() {
	bucketHolders.Store(goroutineID(), struct{}{})
}

func bucketLockExit() {
	bucketHolders.Delete(goroutineID())
}

// assertNoBucketLockHeld enforces the inode -> bucket -> bitmap
// acquisition order: a goroutine must never acquire an inode lock
// while it still holds an HRL bucket lock, since HRL work that needs an
// inode lock again must release the bucket lock first.
func assertNoBucketLockHeld() {
	if _, held := bucketHolders.Load(goroutineID()); held {
		panic("kafs: lock order violation: acquired an inode lock while holding an HRL bucket lock")
	}
}
