package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"lendhelper/storage"
	"lendhelper/storage/trie"
)

var headKey = []byte("lendhelper/ledger/head")

var errNilLedger = errors.New("state: ledger not configured")

type ledgerHead struct {
	Root common.Hash
	Seq  uint64
}

// Ledger serialises every call against the state trie. Each Execute either
// commits all of its writes or none of them.
type Ledger struct {
	mu     sync.Mutex
	db     storage.Database
	trie   *trie.Trie
	seq    uint64
	logger *slog.Logger
}

// OpenLedger restores the last committed head from db, or starts from the
// empty trie.
func OpenLedger(db storage.Database, logger *slog.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errNilLedger
	}
	if logger == nil {
		logger = slog.Default()
	}
	var head ledgerHead
	raw, err := db.Get(headKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read ledger head: %w", err)
	default:
		if err := rlp.DecodeBytes(raw, &head); err != nil {
			return nil, fmt.Errorf("decode ledger head: %w", err)
		}
	}
	var root []byte
	if head.Root != (common.Hash{}) {
		root = head.Root.Bytes()
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("open state trie: %w", err)
	}
	return &Ledger{db: db, trie: tr, seq: head.Seq, logger: logger}, nil
}

// Root returns the last committed state root.
func (l *Ledger) Root() common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trie.Root()
}

// Seq returns the number of committed calls.
func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Execute runs fn against a writable manager. When fn returns an error (or
// panics) every staged write is discarded and the error is returned; otherwise
// the writes are committed and the new root returned.
func (l *Ledger) Execute(fn func(*Manager) error) (root common.Hash, err error) {
	if l == nil || fn == nil {
		return common.Hash{}, errNilLedger
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	committed := l.trie.Root()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("state: call panicked: %v", recovered)
		}
		if err == nil {
			return
		}
		if resetErr := l.trie.Reset(committed); resetErr != nil {
			l.logger.Error("ledger rollback failed", slog.String("root", committed.Hex()), slog.Any("error", resetErr))
			err = errors.Join(err, resetErr)
		}
		root = committed
	}()

	if err = fn(NewManager(l.trie)); err != nil {
		return committed, err
	}
	if !l.trie.Dirty() {
		return committed, nil
	}
	next := l.seq + 1
	root, err = l.trie.Commit(next)
	if err != nil {
		return committed, fmt.Errorf("commit state: %w", err)
	}
	encoded, err := rlp.EncodeToBytes(&ledgerHead{Root: root, Seq: next})
	if err != nil {
		return committed, fmt.Errorf("encode ledger head: %w", err)
	}
	if err = l.db.Put(headKey, encoded); err != nil {
		return committed, fmt.Errorf("persist ledger head: %w", err)
	}
	l.seq = next
	return root, nil
}

// View runs fn against the last committed state. Writes through the manager
// fail with ErrReadOnly.
func (l *Ledger) View(fn func(*Manager) error) error {
	if l == nil || fn == nil {
		return errNilLedger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(newViewManager(l.trie))
}
