//go:build !kafsdebug

package kafs

// No-op build: the lock-order debug assertions (see lockdebug_debug.go)
// cost a stack-trace parse per lock acquisition, so they're only
// compiled in under -tags kafsdebug.
func bucketLockEnter()        {}
func bucketLockExit()         {}
func assertNoBucketLockHeld() {}
