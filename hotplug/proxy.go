package hotplug

import (
	"encoding/binary"
	"errors"
)

// ErrNotImplemented and ErrNotSupported are returned by Proxy methods
// when the peer reported the matching result code; callers use these
// to decide whether to fall back to a local implementation. Any other
// error is surfaced to the caller.
var (
	ErrNotImplemented = errors.New("hotplug: peer does not implement operation")
	ErrNotSupported   = errors.New("hotplug: peer does not support operation")
)

// Proxy is the in-process client side of the session: every exported
// method encodes one POSIX-ish op, calls the peer, and decodes the
// result. Proxy has no dependency on the kafs package; callers adapt
// it to whatever local interface they need (structural typing, see
// package doc).
type Proxy struct {
	s *Session
}

// NewProxy wraps a Session for RPC dispatch.
func NewProxy(s *Session) *Proxy { return &Proxy{s: s} }

func classify(result int32) error {
	switch result {
	case ResultOK:
		return nil
	case ResultNotImplemented:
		return ErrNotImplemented
	case ResultNotSupported:
		return ErrNotSupported
	default:
		return &RemoteError{Code: result}
	}
}

// RemoteError wraps a non-zero, non-fallback result code from the peer.
type RemoteError struct{ Code int32 }

func (e *RemoteError) Error() string {
	return "hotplug: remote error " + itoa(int64(e.Code))
}

func itoa(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// Getattr asks the peer for an inode's size and mode.
func (p *Proxy) Getattr(ino uint32) (size uint64, mode uint32, err error) {
	rh, payload, err := p.s.call(OpGetattr, encodeUint32(ino))
	if err != nil {
		return 0, 0, err
	}
	if cerr := classify(rh.Result); cerr != nil {
		return 0, 0, cerr
	}
	if len(payload) < 12 {
		return 0, 0, errors.New("hotplug: short getattr response")
	}
	return binary.LittleEndian.Uint64(payload[0:]), binary.LittleEndian.Uint32(payload[8:]), nil
}

// Read proxies a read at (ino, off, len); inline data mode returns the
// bytes directly in the payload.
func (p *Proxy) Read(ino uint32, buf []byte, off int64) (int, error) {
	req := make([]byte, 20)
	binary.LittleEndian.PutUint32(req[0:], ino)
	binary.LittleEndian.PutUint64(req[4:], uint64(off))
	binary.LittleEndian.PutUint64(req[12:], uint64(len(buf)))
	rh, payload, err := p.s.call(OpRead, req)
	if err != nil {
		return 0, err
	}
	if cerr := classify(rh.Result); cerr != nil {
		return 0, cerr
	}
	n := copy(buf, payload)
	return n, nil
}

// Write proxies a write at (ino, off, data).
func (p *Proxy) Write(ino uint32, buf []byte, off int64) (int, error) {
	req := make([]byte, 12+len(buf))
	binary.LittleEndian.PutUint32(req[0:], ino)
	binary.LittleEndian.PutUint64(req[4:], uint64(off))
	copy(req[12:], buf)
	rh, payload, err := p.s.call(OpWrite, req)
	if err != nil {
		return 0, err
	}
	if cerr := classify(rh.Result); cerr != nil {
		return 0, cerr
	}
	if len(payload) < 4 {
		return 0, errors.New("hotplug: short write response")
	}
	return int(binary.LittleEndian.Uint32(payload)), nil
}

// Truncate proxies a truncate to the given size.
func (p *Proxy) Truncate(ino uint32, size uint64) error {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:], ino)
	binary.LittleEndian.PutUint64(req[4:], size)
	rh, _, err := p.s.call(OpTruncate, req)
	if err != nil {
		return err
	}
	return classify(rh.Result)
}
