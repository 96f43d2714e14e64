package kafs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"time"
)

// Journal record tags. Stored as 4 raw bytes, not NUL-terminated.
var (
	tagBEG2 = [4]byte{'B', 'E', 'G', '2'}
	tagCMT2 = [4]byte{'C', 'M', 'T', '2'}
	tagABR2 = [4]byte{'A', 'B', 'R', '2'}
	tagNOT2 = [4]byte{'N', 'O', 'T', '2'}
	tagWRAP = [4]byte{'W', 'R', 'A', 'P'}
)

const (
	journalMagic      uint32 = 0x4b414a4c // 'KAJL'
	journalVersion    uint32 = 1
	journalHeaderSize        = 64
	journalRecHeaderSize     = 20 // tag(4) + seq(8) + payload_len(4) + crc(4)
)

// journalHeader is the fixed 64-byte header at the start of the journal
// region: magic, version, flags, ring capacity, write offset, last seq
// and a CRC over the rest of the header.
type journalHeader struct {
	Magic    uint32
	Version  uint32
	Flags    uint32
	Capacity uint32
	WriteOff uint32
	Seq      uint64
	CRC      uint32
}

func (h *journalHeader) marshal() []byte {
	buf := make([]byte, journalHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.Flags)
	binary.LittleEndian.PutUint32(buf[12:], h.Capacity)
	binary.LittleEndian.PutUint32(buf[16:], h.WriteOff)
	binary.LittleEndian.PutUint64(buf[20:], h.Seq)
	binary.LittleEndian.PutUint32(buf[28:], h.CRC)
	return buf
}

func (h *journalHeader) unmarshal(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	h.Flags = binary.LittleEndian.Uint32(buf[8:])
	h.Capacity = binary.LittleEndian.Uint32(buf[12:])
	h.WriteOff = binary.LittleEndian.Uint32(buf[16:])
	h.Seq = binary.LittleEndian.Uint64(buf[20:])
	h.CRC = binary.LittleEndian.Uint32(buf[28:])
}

func (h *journalHeader) computeCRC() uint32 {
	cp := *h
	cp.CRC = 0
	return crc32.ChecksumIEEE(cp.marshal())
}

type journalRecHeader struct {
	Tag        [4]byte
	Seq        uint64
	PayloadLen uint32
	CRC        uint32
}

func (h *journalRecHeader) marshal() []byte {
	buf := make([]byte, journalRecHeaderSize)
	copy(buf[0:4], h.Tag[:])
	binary.LittleEndian.PutUint64(buf[4:], h.Seq)
	binary.LittleEndian.PutUint32(buf[12:], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[16:], h.CRC)
	return buf
}

func (h *journalRecHeader) unmarshal(buf []byte) {
	copy(h.Tag[:], buf[0:4])
	h.Seq = binary.LittleEndian.Uint64(buf[4:])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[12:])
	h.CRC = binary.LittleEndian.Uint32(buf[16:])
}

// journal is the single-writer, ring-buffered write-ahead log. All
// write operations serialize through mu; replay is run once at mount
// before any other writer activity begins.
type journal struct {
	mu sync.Mutex

	ring       []byte // the full buf minus the header
	hdrBuf     []byte // view of buf[:journalHeaderSize]
	baseOffset uint64 // absolute offset of the journal region in the image, for fsync
	hdr        journalHeader
	writeOff   uint32
	seq        uint64

	disabled bool
	gcWindow int64 // nanoseconds; <= 0 means fsync every commit
	gcPending bool

	fsyncFn func(offset, length uint64) error
}

type journalReplayFunc func(op, argstring string)

func newJournal(buf []byte, baseOffset uint64, gcWindow int64, disabled bool, fsyncFn func(offset, length uint64) error) *journal {
	j := &journal{
		hdrBuf:     buf[:journalHeaderSize],
		ring:       buf[journalHeaderSize:],
		baseOffset: baseOffset,
		gcWindow:   gcWindow,
		disabled:   disabled,
		fsyncFn:    fsyncFn,
	}
	j.hdr.unmarshal(j.hdrBuf)
	j.writeOff = j.hdr.WriteOff
	j.seq = j.hdr.Seq
	return j
}

func (j *journal) headerValid() bool {
	return j.hdr.Magic == journalMagic && j.hdr.Version == journalVersion && j.hdr.CRC == j.hdr.computeCRC()
}

// replay validates the header, walks committed transactions invoking
// callback(op, argstring) for each, then resets the ring to empty
// (preserving seq). An invalid header resets to a fresh empty ring,
// preserving seq only if magic and version were at least recognisable.
func (j *journal) replay(callback journalReplayFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.headerValid() {
		preserved := uint64(0)
		if j.hdr.Magic == journalMagic && j.hdr.Version == journalVersion {
			preserved = j.hdr.Seq
		}
		j.resetRingLocked(preserved)
		return nil
	}

	open := map[uint64]string{}
	off := uint32(0)
	limit := j.hdr.WriteOff
	maxSteps := len(j.ring)/journalRecHeaderSize + 1

	for steps := 0; off < limit && steps <= maxSteps; steps++ {
		if int(off)+journalRecHeaderSize > len(j.ring) {
			break
		}
		var rh journalRecHeader
		rh.unmarshal(j.ring[off:])

		if rh.Tag == tagWRAP {
			off = 0
			continue
		}

		recLen := journalRecHeaderSize + int(rh.PayloadLen)
		if int(off)+recLen > len(j.ring) {
			break // short tail
		}
		payload := j.ring[int(off)+journalRecHeaderSize : int(off)+recLen]
		if !j.recordCRCValid(rh, payload) {
			break
		}

		switch rh.Tag {
		case tagBEG2:
			open[rh.Seq] = string(payload)
		case tagCMT2:
			if argstring, ok := open[rh.Seq]; ok {
				if callback != nil {
					op, rest := parseOpArgstring(argstring)
					callback(op, rest)
				}
				delete(open, rh.Seq)
			}
		case tagABR2:
			delete(open, rh.Seq)
		case tagNOT2:
			// ignored
		default:
			steps = maxSteps + 1 // unknown tag: stop scanning, treat as corrupt tail
			continue
		}
		off += uint32(recLen)
	}

	// Open transactions not committed by shutdown are dropped implicitly
	// by resetting the ring; seq is preserved so future begins don't reuse
	// ids already observed by a prior replay callback.
	j.resetRingLocked(j.seq)
	return nil
}

func (j *journal) resetRingLocked(seq uint64) {
	j.writeOff = 0
	j.seq = seq
	j.hdr = journalHeader{Magic: journalMagic, Version: journalVersion, Capacity: uint32(len(j.ring)), WriteOff: 0, Seq: seq}
	j.persistHeaderLocked()
}

func (j *journal) recordCRCValid(rh journalRecHeader, payload []byte) bool {
	cp := rh
	cp.CRC = 0
	want := crc32.ChecksumIEEE(append(cp.marshal(), payload...))
	return want == rh.CRC
}

func (j *journal) persistHeaderLocked() {
	j.hdr.WriteOff = j.writeOff
	j.hdr.Seq = j.seq
	j.hdr.CRC = j.hdr.computeCRC()
	copy(j.hdrBuf, j.hdr.marshal())
}

// writeRawRecordLocked writes one record at ring offset off, including
// its CRC computed over (header-with-crc-zeroed || payload).
func (j *journal) writeRawRecordLocked(off uint32, tag [4]byte, seq uint64, payload []byte) {
	rh := journalRecHeader{Tag: tag, Seq: seq, PayloadLen: uint32(len(payload))}
	rh.CRC = crc32.ChecksumIEEE(append(rh.marshal(), payload...))
	buf := rh.marshal()
	copy(j.ring[off:], buf)
	copy(j.ring[int(off)+len(buf):], payload)
}

// writeRecordLocked advances the ring linearly, writing a WRAP marker
// when the current record won't fit and a header-sized tail remains,
// otherwise resetting to offset 0 silently.
func (j *journal) writeRecordLocked(tag [4]byte, seq uint64, payload []byte) error {
	need := journalRecHeaderSize + len(payload)
	capacity := len(j.ring)
	if need > capacity {
		return ErrNoSpace
	}

	remaining := capacity - int(j.writeOff)
	if remaining < need {
		if remaining >= journalRecHeaderSize {
			j.writeRawRecordLocked(j.writeOff, tagWRAP, 0, nil)
		}
		j.writeOff = 0
	}

	off := j.writeOff
	j.writeRawRecordLocked(off, tag, seq, payload)
	j.writeOff = off + uint32(need)
	j.hdr.WriteOff = j.writeOff
	j.hdr.Seq = j.seq
	return nil
}

func (j *journal) flushRangeLocked() error {
	if j.fsyncFn == nil {
		return nil
	}
	return j.fsyncFn(j.baseOffset, uint64(journalHeaderSize)+uint64(len(j.ring)))
}

// begin bumps seq and writes a BEG2 record without fsync. It returns
// seq == 0 when the journal is disabled, which commit/abort treat as
// a no-op.
func (j *journal) begin(op, argstring string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return 0, nil
	}
	j.seq++
	seq := j.seq
	payload := []byte(fmt.Sprintf("op=%s %s", op, argstring))
	if err := j.writeRecordLocked(tagBEG2, seq, payload); err != nil {
		return 0, err
	}
	return seq, nil
}

// commit writes CMT2, then either fsyncs immediately (gc window
// disabled) or elects a group-commit leader that sleeps for the
// window before fsyncing on behalf of every committer that arrived
// during it.
func (j *journal) commit(seq uint64) error {
	if seq == 0 {
		return nil
	}
	j.mu.Lock()
	if err := j.writeRecordLocked(tagCMT2, seq, nil); err != nil {
		j.mu.Unlock()
		return err
	}

	if j.gcWindow <= 0 {
		j.persistHeaderLocked()
		j.mu.Unlock()
		return j.flushLocked()
	}

	if j.gcPending {
		j.mu.Unlock()
		return nil
	}
	j.gcPending = true
	j.mu.Unlock()

	time.Sleep(time.Duration(j.gcWindow))

	j.mu.Lock()
	j.persistHeaderLocked()
	j.gcPending = false
	j.mu.Unlock()
	return j.flushLocked()
}

func (j *journal) flushLocked() error {
	j.mu.Lock()
	err := j.flushRangeLocked()
	j.mu.Unlock()
	return err
}

// abort writes an ABR2 record marking seq as abandoned.
func (j *journal) abort(seq uint64, reason string) error {
	if seq == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeRecordLocked(tagABR2, seq, []byte(reason))
}

// note writes a seq=0 record outside the commit protocol, e.g. for
// administrative events worth recording but not replaying as a
// transaction.
func (j *journal) note(op, argstring string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return nil
	}
	payload := []byte(fmt.Sprintf("op=%s %s", op, argstring))
	return j.writeRecordLocked(tagNOT2, 0, payload)
}

// flush persists the header and fsyncs the journal region, used on
// orderly shutdown to make sure any pending batch is flushed.
func (j *journal) flush() {
	j.mu.Lock()
	j.persistHeaderLocked()
	j.mu.Unlock()
	j.flushLocked()
}

// scanLocked walks the ring up to hdr.WriteOff, validating every record
// CRC without invoking any replay callback. It reports the number of
// well-formed records found and whether the walk reached WriteOff
// cleanly (used by the sidecar's journal check, which wants a verdict
// without mutating anything).
func (j *journal) scanLocked() (records int, clean bool) {
	if !j.headerValid() {
		return 0, false
	}
	off := uint32(0)
	limit := j.hdr.WriteOff
	maxSteps := len(j.ring)/journalRecHeaderSize + 1
	for steps := 0; off < limit && steps <= maxSteps; steps++ {
		if int(off)+journalRecHeaderSize > len(j.ring) {
			return records, false
		}
		var rh journalRecHeader
		rh.unmarshal(j.ring[off:])
		if rh.Tag == tagWRAP {
			off = 0
			continue
		}
		recLen := journalRecHeaderSize + int(rh.PayloadLen)
		if int(off)+recLen > len(j.ring) {
			return records, false
		}
		payload := j.ring[int(off)+journalRecHeaderSize : int(off)+recLen]
		if !j.recordCRCValid(rh, payload) {
			return records, false
		}
		records++
		off += uint32(recLen)
	}
	return records, off == limit
}

// CheckJournal reports whether the journal header and every record up
// to its recorded write offset pass their CRCs.
func (c *Context) CheckJournal() (records int, ok bool) {
	c.jrn.mu.Lock()
	defer c.jrn.mu.Unlock()
	return c.jrn.scanLocked()
}

// ClearJournal resets the ring to a fresh, valid, empty state,
// preserving the sequence counter.
func (c *Context) ClearJournal() error {
	c.jrn.mu.Lock()
	seq := c.jrn.seq
	c.jrn.resetRingLocked(seq)
	c.jrn.mu.Unlock()
	return c.fsyncRange(c.layout.JournalOffset, c.layout.JournalSize)
}

func parseOpArgstring(s string) (op, rest string) {
	parts := strings.SplitN(s, " ", 2)
	op = strings.TrimPrefix(parts[0], "op=")
	if len(parts) > 1 {
		rest = parts[1]
	}
	return op, rest
}
