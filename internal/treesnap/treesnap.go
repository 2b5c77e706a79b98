// Package treesnap persists point-in-time tree views to disk: a
// magic-framed, checksummed snapshot file per capture, optionally
// encrypted, with count-based retention. Snapshots are diagnostic
// artifacts — the tree's durable state lives in the metadata journal and
// media pool — so a missing or pruned snapshot never affects recovery.
package treesnap

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/cnkv/cntree/internal/cntree"
)

var magicBytes = []byte("CNTRSNAP")

const (
	filePrefix    = "snapshot-"
	fileExtension = ".snap"
	checksumSize  = sha256.Size
	headerVersion = 1
	saltLength    = 16

	DefaultRetentionCount = 5
)

var (
	ErrInvalidMagic     = errors.New("treesnap: invalid magic bytes")
	ErrChecksumMismatch = errors.New("treesnap: checksum mismatch")
	ErrNoSnapshots      = errors.New("treesnap: no snapshots available")
)

type header struct {
	Version    int    `json:"version"`
	CreatedAt  int64  `json:"created_at"`
	NodeCount  int    `json:"node_count"`
	KvsetCount int    `json:"kvset_count"`
	Encrypted  bool   `json:"encrypted"`
	Salt       []byte `json:"salt,omitempty"`
}

// KvsetEntry is one kvset's snapshot row.
type KvsetEntry struct {
	ID       cntree.KvsetID    `json:"id"`
	Dgen     uint64            `json:"dgen"`
	SeqnoMax uint64            `json:"seqno_max"`
	Stats    cntree.KvsetStats `json:"stats"`
}

// NodeEntry is one node's snapshot row.
type NodeEntry struct {
	NodeID  cntree.NodeID `json:"node_id"`
	IsRoot  bool          `json:"is_root"`
	EdgeKey []byte        `json:"edge_key,omitempty"`
	Kvsets  []KvsetEntry  `json:"kvsets"`
}

// Table is the decoded content of one snapshot file.
type Table struct {
	CreatedAt time.Time
	Nodes     []NodeEntry
}

// Config controls where snapshots land and how many are kept.
type Config struct {
	Dir            string
	RetentionCount int

	// Passphrase enables encryption; the derived key is bound to a
	// per-snapshot random salt stored in the header.
	Passphrase []byte
}

// Manager writes, reads and prunes snapshot files.
type Manager struct {
	cfg Config
}

// NewManager validates cfg and ensures the snapshot directory exists.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("treesnap: dir is required")
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("treesnap: mkdir: %w", err)
	}
	return &Manager{cfg: cfg}, nil
}

// Write captures v into a new snapshot file and prunes old ones. The view
// stays open; the caller still owns its refs.
func (m *Manager) Write(v *cntree.View) (string, error) {
	table := make([]NodeEntry, 0, len(v.Entries))
	kvsets := 0
	for _, e := range v.Entries {
		ne := NodeEntry{NodeID: e.NodeID, IsRoot: e.IsRoot, EdgeKey: e.EdgeKey}
		for _, k := range e.Kvsets {
			kvsets++
			ne.Kvsets = append(ne.Kvsets, KvsetEntry{
				ID: k.ID, Dgen: k.Dgen, SeqnoMax: k.SeqnoMax, Stats: k.Stats,
			})
		}
		table = append(table, ne)
	}

	payload, err := json.Marshal(table)
	if err != nil {
		return "", fmt.Errorf("treesnap: encode: %w", err)
	}

	hdr := header{
		Version:    headerVersion,
		CreatedAt:  time.Now().UnixNano(),
		NodeCount:  len(table),
		KvsetCount: kvsets,
	}
	if len(m.cfg.Passphrase) > 0 {
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("treesnap: salt: %w", err)
		}
		sealed, err := seal(m.cfg.Passphrase, salt, payload)
		if err != nil {
			return "", err
		}
		hdr.Encrypted, hdr.Salt, payload = true, salt, sealed
	}

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return "", fmt.Errorf("treesnap: encode header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magicBytes)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hdrBytes)))
	buf.Write(lenBuf[:])
	buf.Write(hdrBytes)
	buf.Write(payload)
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])

	name := fmt.Sprintf("%s%d%s", filePrefix, hdr.CreatedAt, fileExtension)
	path := filepath.Join(m.cfg.Dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		return "", fmt.Errorf("treesnap: write: %w", err)
	}

	if err := m.prune(); err != nil {
		return path, err
	}
	return path, nil
}

// Read decodes the snapshot at path.
func (m *Manager) Read(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("treesnap: read: %w", err)
	}
	if len(raw) < len(magicBytes)+4+checksumSize {
		return nil, ErrInvalidMagic
	}
	if !bytes.Equal(raw[:len(magicBytes)], magicBytes) {
		return nil, ErrInvalidMagic
	}

	body, sum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	if got := sha256.Sum256(body); !bytes.Equal(got[:], sum) {
		return nil, ErrChecksumMismatch
	}

	hdrLen := binary.BigEndian.Uint32(raw[len(magicBytes) : len(magicBytes)+4])
	hdrStart := len(magicBytes) + 4
	if hdrStart+int(hdrLen) > len(body) {
		return nil, ErrInvalidMagic
	}
	var hdr header
	if err := json.Unmarshal(body[hdrStart:hdrStart+int(hdrLen)], &hdr); err != nil {
		return nil, fmt.Errorf("treesnap: decode header: %w", err)
	}

	payload := body[hdrStart+int(hdrLen):]
	if hdr.Encrypted {
		payload, err = open(m.cfg.Passphrase, hdr.Salt, payload)
		if err != nil {
			return nil, err
		}
	}

	var nodes []NodeEntry
	if err := json.Unmarshal(payload, &nodes); err != nil {
		return nil, fmt.Errorf("treesnap: decode: %w", err)
	}
	return &Table{CreatedAt: time.Unix(0, hdr.CreatedAt), Nodes: nodes}, nil
}

// Latest returns the path of the newest snapshot, or ErrNoSnapshots.
func (m *Manager) Latest() (string, error) {
	paths, err := m.list()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", ErrNoSnapshots
	}
	return paths[len(paths)-1], nil
}

func (m *Manager) list() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("treesnap: list: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && filepath.Ext(name) == fileExtension &&
			len(name) > len(filePrefix) && name[:len(filePrefix)] == filePrefix {
			paths = append(paths, filepath.Join(m.cfg.Dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// prune removes the oldest snapshots beyond the retention count.
func (m *Manager) prune() error {
	paths, err := m.list()
	if err != nil {
		return err
	}
	for len(paths) > m.cfg.RetentionCount {
		if err := os.Remove(paths[0]); err != nil {
			return fmt.Errorf("treesnap: prune: %w", err)
		}
		paths = paths[1:]
	}
	return nil
}

// deriveKey stretches the passphrase with Argon2id under the snapshot's
// salt; parameters follow the usual interactive-use profile.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

func seal(passphrase, salt, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("treesnap: nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func open(passphrase, salt, sealed []byte) ([]byte, error) {
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrChecksumMismatch
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("treesnap: decrypt: %w", err)
	}
	return plain, nil
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("treesnap: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
