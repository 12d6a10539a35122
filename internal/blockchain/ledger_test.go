package blockchain

import (
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"

	"pullci/internal/security"
	"pullci/pkg/utils"
)

func testEntry(step, status string) Entry {
	return Entry{
		RunID:    "run-1",
		Pipeline: "coverage",
		Step:     step,
		Status:   status,
		InfoHash: utils.HashString(step + status),
		AgentID:  "test-agent",
	}
}

// Test block creation and hashing
func TestNewBlockAndHash(t *testing.T) {
	block, err := NewBlock(0, testEntry("checkout", "succeeded"), "")
	if err != nil {
		t.Fatalf("failed to create block: %v", err)
	}

	h, err := block.ComputeHash()
	if err != nil {
		t.Fatalf("failed to recompute hash: %v", err)
	}
	if h != block.Hash {
		t.Errorf("hash mismatch: got %s, want %s", block.Hash, h)
	}
}

// Test appending multiple blocks to the ledger with signing
func TestLedgerCommitAndVerify(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	pub, priv, _ := security.GenerateKeyPair()

	b1, err := ledger.Commit(testEntry("checkout", "succeeded"), priv, pub)
	if err != nil {
		t.Fatalf("failed to commit block1: %v", err)
	}
	b2, err := ledger.Commit(testEntry("coverage", "failed"), priv, pub)
	if err != nil {
		t.Fatalf("failed to commit block2: %v", err)
	}
	if b2.Index != 1 || b2.PrevHash != b1.Hash {
		t.Errorf("block2 not linked to block1: index=%d prev=%s", b2.Index, b2.PrevHash)
	}

	if err := ledger.VerifyChain(); err != nil {
		t.Errorf("chain verification failed: %v", err)
	}
}

func TestLedgerRejectsBrokenLink(t *testing.T) {
	ledger, _ := OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	pub, priv, _ := security.GenerateKeyPair()

	if _, err := ledger.Commit(testEntry("checkout", "succeeded"), priv, pub); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	b2, _ := NewBlock(1, testEntry("install", "succeeded"), "not-the-last-hash")
	if err := ledger.appendLocked(b2, priv, pub); err == nil {
		t.Errorf("expected prevHash mismatch")
	}
	if ledger.Len() != 1 {
		t.Errorf("rejected block was kept")
	}
}

// Test tampering detection
func TestTamperingDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	ledger, _ := OpenLedger(path)
	pub, priv, _ := security.GenerateKeyPair()

	if _, err := ledger.Commit(testEntry("checkout", "succeeded"), priv, pub); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// simulate tampering on disk
	blocks := ledger.Blocks()
	blocks[0].Status = "failed"
	if err := ledger.Rewrite(blocks); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	reopened, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := reopened.VerifyChain(); err == nil {
		t.Errorf("expected verification failure, got success")
	}
}

func TestForgedSignatureDetection(t *testing.T) {
	ledger, _ := OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	pub, priv, _ := security.GenerateKeyPair()
	if _, err := ledger.Commit(testEntry("checkout", "succeeded"), priv, pub); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// swap in a key that did not produce the signature
	otherPub, _, _ := security.GenerateKeyPair()
	blocks := ledger.Blocks()
	blocks[0].PubKey = hex.EncodeToString(otherPub)
	if err := ledger.Rewrite(blocks); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	if err := ledger.VerifyChain(); err == nil {
		t.Errorf("expected signature verification failure")
	}
}

// Test ledger persistence (write -> reload -> verify)
func TestLedgerPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	ledger, _ := OpenLedger(path)
	pub, priv, _ := security.GenerateKeyPair()

	for _, step := range []string{"checkout", "install", "coverage"} {
		if _, err := ledger.Commit(testEntry(step, "succeeded"), priv, pub); err != nil {
			t.Fatalf("commit %s failed: %v", step, err)
		}
	}

	ledger2, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("failed to reopen ledger: %v", err)
	}
	if ledger2.Len() != 3 {
		t.Fatalf("expected 3 blocks after reload, got %d", ledger2.Len())
	}
	if err := ledger2.VerifyChain(); err != nil {
		t.Errorf("reloaded ledger verification failed: %v", err)
	}
}

func TestConcurrentCommits(t *testing.T) {
	ledger, _ := OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	pub, priv, _ := security.GenerateKeyPair()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Commit(testEntry("step", "succeeded"), priv, pub); err != nil {
				t.Errorf("commit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if ledger.Len() != 20 {
		t.Errorf("expected 20 blocks, got %d", ledger.Len())
	}
	if err := ledger.VerifyChain(); err != nil {
		t.Errorf("chain verification failed: %v", err)
	}
}
