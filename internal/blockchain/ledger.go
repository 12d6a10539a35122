package blockchain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Ledger is an append-only chain of signed blocks persisted as JSON lines.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
}

// OpenLedger loads an existing ledger file or creates an empty one.
// Ledger file format: JSON lines (one JSON block per line).
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{
		blocks: make([]*Block, 0),
		path:   path,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return l, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry %d: %w", len(l.blocks), err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Commit builds the next block for entry, links it to the chain, signs and
// persists it. Index and PrevHash are assigned under the ledger lock, so
// concurrent runs can commit safely.
func (l *Ledger) Commit(entry Entry, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].Hash
	}
	blk, err := NewBlock(len(l.blocks), entry, prev)
	if err != nil {
		return nil, err
	}
	if err := l.appendLocked(blk, priv, pub); err != nil {
		return nil, err
	}
	return blk, nil
}

// appendLocked signs and persists b. b must link to the current last block.
func (l *Ledger) appendLocked(b *Block, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	// recompute hash so the canonical fields and the hash always match
	h, err := b.ComputeHash()
	if err != nil {
		return fmt.Errorf("cannot recompute block hash: %w", err)
	}
	b.Hash = h

	if b.Index != len(l.blocks) {
		return fmt.Errorf("index mismatch: expected %d, got %d", len(l.blocks), b.Index)
	}
	if len(l.blocks) > 0 {
		last := l.blocks[len(l.blocks)-1]
		if b.PrevHash != last.Hash {
			return fmt.Errorf("prevHash mismatch: expected %s, got %s", last.Hash, b.PrevHash)
		}
	}

	if len(priv) == 0 {
		return errors.New("private key is empty, cannot sign block")
	}
	b.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(b.Hash)))
	b.PubKey = hex.EncodeToString(pub)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(b); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.blocks = append(l.blocks, b)
	return nil
}

// Blocks returns a copy of the blocks in chain order.
func (l *Ledger) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

// Len returns the number of blocks.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// LastHash returns the last block hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}

// Rewrite replaces the ledger content with blocks without re-signing them.
// It is used by offline tooling only.
func (l *Ledger) Rewrite(blocks []Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	next := make([]*Block, 0, len(blocks))
	for i := range blocks {
		b := blocks[i]
		if err := enc.Encode(&b); err != nil {
			return fmt.Errorf("encode block %d: %w", i, err)
		}
		next = append(next, &b)
	}
	if err := os.WriteFile(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("rewrite ledger file: %w", err)
	}
	l.blocks = next
	return nil
}
