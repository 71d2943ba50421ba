package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

// block is one line of the file ledger.
type block struct {
	Height     int64              `json:"height"`
	PrevHash   string             `json:"prev_hash"`
	Hash       string             `json:"hash"`
	RecordedAt time.Time          `json:"recorded_at"`
	Entry      domain.LedgerEntry `json:"entry"`
}

func (b block) computeHash() (string, error) {
	tmp := b
	tmp.Hash = ""
	tmp.RecordedAt = b.RecordedAt.UTC()
	data, err := json.Marshal(tmp)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

func (b block) receipt() Receipt {
	return Receipt{TxRef: b.Hash, ContentHash: b.Entry.ContentHash, RecordedAt: b.RecordedAt}
}

// FileLedger is an append-only JSON-lines hash chain. Every block commits to
// its predecessor's hash, so any edit to a recorded entry breaks Verify.
//
// A FileLedger holds an exclusive lock on its file until Close. The chain
// head and idempotency index live in memory, so a second writer would fork
// the chain; OpenFile refuses with ErrLocked instead.
type FileLedger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	clock    clockwork.Clock
	log      *slog.Logger
	lastHash string
	height   int64
	size     int64 // bytes of complete blocks
	index    map[string]block
	closed   bool
}

// OpenFile opens or creates the ledger at path, locks it and verifies the
// existing chain.
func OpenFile(path string, clock clockwork.Clock, log *slog.Logger) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock ledger %s: %w", path, err)
	}
	fl := &FileLedger{path: path, file: f, clock: clock, log: log, height: -1, index: map[string]block{}}
	if err := fl.load(); err != nil {
		f.Close()
		return nil, fmt.Errorf("load ledger %s: %w", path, err)
	}
	fl.writer = bufio.NewWriter(f)
	return fl, nil
}

func (fl *FileLedger) load() error {
	blocks, err := readChain(fl.path)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		fl.index[b.Entry.IdempotencyKey] = b
		fl.lastHash = b.Hash
		fl.height = b.Height
	}
	info, err := fl.file.Stat()
	if err != nil {
		return err
	}
	fl.size = info.Size()
	fl.log.Info("ledger loaded", "path", fl.path, "blocks", len(blocks))
	return nil
}

// Submit appends entry unless its idempotency key is already recorded, in
// which case the existing receipt is returned. A recorded key with a
// different content hash is a permanent conflict.
func (fl *FileLedger) Submit(ctx context.Context, entry domain.LedgerEntry) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if entry.IdempotencyKey == "" {
		return Receipt{}, permanent(fmt.Errorf("entry has no idempotency key"))
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return Receipt{}, permanent(errors.New("ledger is closed"))
	}

	if b, ok := fl.index[entry.IdempotencyKey]; ok {
		if b.Entry.ContentHash != entry.ContentHash {
			return Receipt{}, permanent(fmt.Errorf("%w: key %s", ErrConflict, entry.IdempotencyKey))
		}
		return b.receipt(), nil
	}

	b := block{
		Height:     fl.height + 1,
		PrevHash:   fl.lastHash,
		RecordedAt: fl.clock.Now().UTC(),
		Entry:      entry,
	}
	hash, err := b.computeHash()
	if err != nil {
		return Receipt{}, permanent(err)
	}
	b.Hash = hash
	payload, err := json.Marshal(b)
	if err != nil {
		return Receipt{}, permanent(err)
	}
	line := append(payload, '\n')
	if err := fl.append(line); err != nil {
		return Receipt{}, err
	}
	fl.size += int64(len(line))
	fl.lastHash = b.Hash
	fl.height = b.Height
	fl.index[entry.IdempotencyKey] = b
	fl.log.Info("ledger block appended", "height", b.Height, "hash", b.Hash, "idempotency_key", entry.IdempotencyKey)
	return b.receipt(), nil
}

// append writes and syncs one block line. On failure the file is cut back to
// the last complete block and the writer reset, so the chain stays loadable
// and a later Submit can succeed.
func (fl *FileLedger) append(line []byte) error {
	_, err := fl.writer.Write(line)
	if err == nil {
		err = fl.writer.Flush()
	}
	if err == nil {
		err = fl.file.Sync()
	}
	if err == nil {
		return nil
	}
	fl.writer.Reset(fl.file)
	if terr := fl.file.Truncate(fl.size); terr != nil {
		return permanent(fmt.Errorf("append block: %w; truncate to %d bytes: %w", err, fl.size, terr))
	}
	fl.log.Warn("ledger append failed, partial block discarded", "size", fl.size, "error", err)
	return fmt.Errorf("append block: %w", err)
}

// Lookup returns the receipt recorded for an idempotency key.
func (fl *FileLedger) Lookup(_ context.Context, key string) (Receipt, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	b, ok := fl.index[key]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return b.receipt(), nil
}

// Verify re-reads the file and checks every block's hash and link. It
// returns the number of blocks.
func (fl *FileLedger) Verify() (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	blocks, err := readChain(fl.path)
	return len(blocks), err
}

// VerifyFile checks a ledger file without opening it for writing. It
// returns the number of valid blocks.
func VerifyFile(path string) (int, error) {
	blocks, err := readChain(path)
	return len(blocks), err
}

// Close flushes and closes the chain file, releasing its lock. Closing twice
// is a no-op.
func (fl *FileLedger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	return errors.Join(fl.writer.Flush(), fl.file.Close())
}

func readChain(path string) ([]block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		blocks   []block
		prevHash string
		line     int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var b block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if b.Height != int64(len(blocks)) {
			return nil, fmt.Errorf("line %d: height mismatch", line)
		}
		if b.PrevHash != prevHash {
			return nil, fmt.Errorf("line %d: prev_hash mismatch", line)
		}
		h, err := b.computeHash()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if h != b.Hash {
			return nil, fmt.Errorf("line %d: hash mismatch", line)
		}
		if ch, err := b.Entry.ComputeHash(); err != nil || ch != b.Entry.ContentHash {
			return nil, fmt.Errorf("line %d: content hash mismatch", line)
		}
		prevHash = b.Hash
		blocks = append(blocks, b)
	}
	return blocks, scanner.Err()
}
