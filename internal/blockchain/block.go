package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the content of one ledger block: the outcome of a single step of
// a pipeline run.
type Entry struct {
	RunID    string `json:"runId"`
	Pipeline string `json:"pipeline"`
	Step     string `json:"step"`
	Status   string `json:"status"`
	InfoHash string `json:"infoHash"`
	LogPath  string `json:"logPath"`
	LogHash  string `json:"logHash"`
	AgentID  string `json:"agentId"`
}

// Block is a tamper-evident record for one pipeline step
type Block struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Entry
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the block hash.
// It excludes Hash, Signature and PubKey.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		Entry
		PrevHash string `json:"prevHash"`
	}{
		Index:     b.Index,
		Timestamp: b.Timestamp,
		Entry:     b.Entry,
		PrevHash:  b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewBlock constructs a block and computes its hash (no signature yet)
func NewBlock(index int, entry Entry, prevHash string) (*Block, error) {
	blk := &Block{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Entry:     entry,
		PrevHash:  prevHash,
	}

	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}
