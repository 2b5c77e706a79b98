// Package mdj implements the MDJ collaborator: the metadata
// journal a compaction's Commit stage durably logs kvset membership
// changes to before they become visible in the tree. It follows the usual
// shape of a write-ahead log: a magic-header/length/CRC32 frame format over
// an append-only segment file, carrying cN-tree KvsetRecord commit/ack/nak
// frames, and minting cookies with ULIDs (oklog/ulid) instead of a
// monotonic counter so cookies stay globally unique across a journal that
// may be truncated and reopened.
package mdj

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cnkv/cntree/internal/cntree"
)

// MagicBytes identifies a journal segment file, the same
// magic-header/length/CRC32-framed convention a write-ahead log segment uses.
var MagicBytes = [8]byte{'C', 'N', 'T', 'R', 'M', 'D', 'J', 1}

var (
	ErrCorruptFrame = errors.New("mdj: corrupt frame")
	ErrClosed       = errors.New("mdj: closed")
	ErrUnknownToken = errors.New("mdj: unknown cookie")
)

// recordKind distinguishes a commit frame from its eventual ack/nak.
type recordKind uint8

const (
	kindCommit recordKind = iota
	kindAck
	kindNak
)

// frame is the on-disk payload for one journal record.
type frame struct {
	Kind     recordKind          `json:"k"`
	Cookie   uint64              `json:"c"`
	NodeID   cntree.NodeID       `json:"node,omitempty"`
	Inputs   []cntree.KvsetID    `json:"in,omitempty"`
	Outputs  []cntree.KvsetRecord `json:"out,omitempty"`
	WrittenAt int64              `json:"t"`
}

// Journal is the concrete MetadataJournal implementation
// (cntree.MetadataJournal), backed by a single append-only segment file.
// Unlike a general-purpose WAL, which rotates segments as they fill and
// runs a background compactor over old ones, it keeps a single growing
// file. An Ack or Nak drops the record from the in-memory outstanding set
// only; the file itself is never truncated, compacted or retired.
type Journal struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	syncAll bool

	cookies map[uint64]*frame // outstanding (un-acked, un-nak'd) records, keyed by cookie
	entropy *ulid.MonotonicEntropy
}

var _ cntree.MetadataJournal = (*Journal)(nil)

// Open opens (creating if needed) the journal segment file at path.
// syncAll mirrors a WAL's "sync every append" durability mode. With false,
// every append is still written through to the OS but no fsync is issued,
// not even by Close.
func Open(path string, syncAll bool) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mdj: open: %w", err)
	}

	j := &Journal{
		path:    path,
		f:       f,
		w:       bufio.NewWriter(f),
		syncAll: syncAll,
		cookies: make(map[uint64]*frame),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := j.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// replay reconstructs j.cookies from every commit frame in the file that
// has not yet been followed by a matching ack/nak frame.
func (j *Journal) replay() error {
	if _, err := j.f.Seek(0, 0); err != nil {
		return err
	}
	r := bufio.NewReader(j.f)

	var hdr [8]byte
	if _, err := r.Read(hdr[:]); err != nil {
		// Empty file: write the header now.
		if _, err := j.f.Seek(0, 0); err != nil {
			return err
		}
		if _, err := j.f.Write(MagicBytes[:]); err != nil {
			return err
		}
		if _, err := j.f.Seek(0, 2); err != nil {
			return err
		}
		return nil
	}
	if hdr != MagicBytes {
		return fmt.Errorf("mdj: %w: bad magic", ErrCorruptFrame)
	}

	for {
		fr, err := readFrame(r)
		if err != nil {
			break // truncated tail frame: stop replay, keep what we have
		}
		switch fr.Kind {
		case kindCommit:
			cp := fr
			j.cookies[fr.Cookie] = &cp
		case kindAck, kindNak:
			delete(j.cookies, fr.Cookie)
		}
	}
	if _, err := j.f.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func readFrame(r *bufio.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	body := make([]byte, length)
	if _, err := readFull(r, body); err != nil {
		return frame{}, err
	}
	if length < 4 {
		return frame{}, ErrCorruptFrame
	}
	wantCRC := binary.BigEndian.Uint32(body[:4])
	payload := body[4:]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return frame{}, ErrCorruptFrame
	}

	var fr frame
	if err := json.Unmarshal(payload, &fr); err != nil {
		return frame{}, err
	}
	return fr, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (j *Journal) appendLocked(fr frame) error {
	payload, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(payload)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	body := append(crcBuf[:], payload...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := j.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := j.w.Write(body); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	if j.syncAll {
		return j.f.Sync()
	}
	return nil
}

// LogCommit implements cntree.MetadataJournal.
func (j *Journal) LogCommit(ctx context.Context, nodeID cntree.NodeID, inputs []cntree.KvsetID, outputs []cntree.KvsetRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), j.entropy)
	// The low 64 bits are the part the monotonic entropy source advances
	// within one millisecond, so consecutive cookies never repeat.
	cookie := binary.BigEndian.Uint64(id[8:])

	fr := frame{Kind: kindCommit, Cookie: cookie, NodeID: nodeID, Inputs: inputs, Outputs: outputs, WrittenAt: time.Now().UnixMilli()}
	if err := j.appendLocked(fr); err != nil {
		return 0, err
	}
	cp := fr
	j.cookies[cookie] = &cp
	return cookie, nil
}

// Ack implements cntree.MetadataJournal.
func (j *Journal) Ack(ctx context.Context, cookie uint64) error {
	return j.resolve(cookie, kindAck)
}

// Nak implements cntree.MetadataJournal.
func (j *Journal) Nak(ctx context.Context, cookie uint64) error {
	return j.resolve(cookie, kindNak)
}

func (j *Journal) resolve(cookie uint64, kind recordKind) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.cookies[cookie]; !ok {
		return ErrUnknownToken
	}
	if err := j.appendLocked(frame{Kind: kind, Cookie: cookie, WrittenAt: time.Now().UnixMilli()}); err != nil {
		return err
	}
	delete(j.cookies, cookie)
	return nil
}

// Outstanding returns the cookies of every commit not yet Ack'd or Nak'd
// (used at tree-open time to resolve in-doubt compactions: see
// DESIGN.md's note on crash recovery).
func (j *Journal) Outstanding() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]uint64, 0, len(j.cookies))
	for c := range j.cookies {
		out = append(out, c)
	}
	return out
}

// OutstandingRecord is the full content of an in-doubt commit record, the
// unit a recovery pass (or the CLI inspector) reasons about.
type OutstandingRecord struct {
	Cookie  uint64
	NodeID  cntree.NodeID
	Inputs  []cntree.KvsetID
	Outputs []cntree.KvsetRecord
}

// OutstandingRecords returns every in-doubt commit with its recorded
// inputs and outputs, sorted by cookie for stable output.
func (j *Journal) OutstandingRecords() []OutstandingRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]OutstandingRecord, 0, len(j.cookies))
	for cookie, fr := range j.cookies {
		out = append(out, OutstandingRecord{
			Cookie: cookie, NodeID: fr.NodeID, Inputs: fr.Inputs, Outputs: fr.Outputs,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Cookie < out[k].Cookie })
	return out
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}
