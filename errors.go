package kafs

import "errors"

// Package-level sentinel errors, usable with errors.Is(), mirroring the
// abstract error taxonomy of the spec's error-handling design: input,
// exists/not-found/not-a-dir/is-a-dir/not-empty, permission, no-space,
// io, protocol, not-implemented, timeout.
var (
	ErrInvalidImage    = errors.New("kafs: invalid image, magic not found")
	ErrInvalidVersion  = errors.New("kafs: unsupported format version")
	ErrInvalidSuper    = errors.New("kafs: superblock corrupt or inconsistent")
	ErrInput           = errors.New("kafs: bad input")
	ErrExists          = errors.New("kafs: already exists")
	ErrNotFound        = errors.New("kafs: not found")
	ErrNotADirectory   = errors.New("kafs: not a directory")
	ErrIsADirectory    = errors.New("kafs: is a directory")
	ErrNotEmpty        = errors.New("kafs: directory not empty")
	ErrPermission      = errors.New("kafs: permission denied")
	ErrNoSpace         = errors.New("kafs: no space left")
	ErrIO              = errors.New("kafs: i/o error")
	ErrProtocol        = errors.New("kafs: protocol error")
	ErrNotImplemented  = errors.New("kafs: not implemented")
	ErrNotSupported    = errors.New("kafs: not supported")
	ErrTimeout         = errors.New("kafs: timed out")
	ErrNameTooLong     = errors.New("kafs: name too long")
	ErrCrossesSubtree  = errors.New("kafs: destination is inside source subtree")
	ErrOverflow        = errors.New("kafs: counter overflow")
	ErrTooManySymlinks = errors.New("kafs: too many levels of symbolic links")
)
