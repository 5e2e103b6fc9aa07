// Package trustchain signs every tool invocation into a hash-linked,
// Ed25519-verified audit log. Each operation carries the signature of its
// parent, so removing, reordering, or editing any entry breaks verification
// from that point on.
package trustchain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

const (
	algorithmEd25519 = "Ed25519"

	kvSigningKey = "trustchain.signing_key"
	kvPublicKeys = "trustchain.pubkeys"
)

// Config wires a Chain to its collaborators. Store is required; Bus and
// MirrorPath are optional.
type Config struct {
	Store *persistence.Store
	Bus   *bus.Bus
	// MirrorPath, when set, appends every signed operation to a JSONL file
	// alongside the database copy.
	MirrorPath string
}

// Chain is the signing half of the audit log. All appends go through a
// single mutex so parent linkage is never raced. Construct one per process
// and inject it; there is no package-level instance.
type Chain struct {
	store  *persistence.Store
	bus    *bus.Bus
	mirror *os.File

	mu           sync.Mutex
	priv         ed25519.PrivateKey
	keyID        string
	keyCreatedAt time.Time
	pubKeys      map[string]string // key id -> public key hex, all keys ever used
	head         string
	length       int
}

// KeyInfo describes the active signing key.
type KeyInfo struct {
	KeyID     string    `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is the outcome of a full chain verification.
type Report struct {
	Valid       bool  `json:"valid"`
	Length      int   `json:"length"`
	BrokenLinks []int `json:"broken_links"`
}

// Stats aggregates the chain for the stats endpoint.
type Stats struct {
	Length    int                         `json:"chain_length"`
	KeyID     string                      `json:"key_id"`
	Tools     []persistence.ToolCallStats `json:"tools"`
	HeadEmpty bool                        `json:"-"`
}

type persistedKey struct {
	KeyID     string    `json:"key_id"`
	Seed      string    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

// signedFields is the exact document the Ed25519 signature covers. Canonical
// by construction: fixed field set, encoding/json emits struct fields in
// declaration order, timestamps rendered as RFC 3339 nanoseconds.
type signedFields struct {
	Tool            string `json:"tool"`
	Data            string `json:"data"`
	LatencyMS       int64  `json:"latency_ms"`
	Timestamp       string `json:"timestamp"`
	ParentSignature string `json:"parent_signature"`
}

// New restores the signing key and chain head from the store, minting and
// persisting a fresh keypair on first run.
func New(ctx context.Context, cfg Config) (*Chain, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("trustchain: store is required")
	}
	c := &Chain{
		store:   cfg.Store,
		bus:     cfg.Bus,
		pubKeys: make(map[string]string),
	}

	if err := c.loadOrCreateKey(ctx); err != nil {
		return nil, err
	}

	head, length, err := cfg.Store.ChainHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	c.head = head
	c.length = length

	if cfg.MirrorPath != "" {
		f, err := os.OpenFile(cfg.MirrorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open chain mirror: %w", err)
		}
		c.mirror = f
	}
	return c, nil
}

// Close releases the JSONL mirror, if any.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mirror == nil {
		return nil
	}
	err := c.mirror.Close()
	c.mirror = nil
	return err
}

func (c *Chain) loadOrCreateKey(ctx context.Context) error {
	raw, err := c.store.KVGet(ctx, kvSigningKey)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	if raw != "" {
		var pk persistedKey
		if err := json.Unmarshal([]byte(raw), &pk); err != nil {
			return fmt.Errorf("decode signing key: %w", err)
		}
		seed, err := hex.DecodeString(pk.Seed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return fmt.Errorf("signing key seed is corrupt")
		}
		c.priv = ed25519.NewKeyFromSeed(seed)
		c.keyID = pk.KeyID
		c.keyCreatedAt = pk.CreatedAt
	} else {
		if err := c.mintKey(ctx); err != nil {
			return err
		}
	}

	rawKeys, err := c.store.KVGet(ctx, kvPublicKeys)
	if err != nil {
		return fmt.Errorf("load public keys: %w", err)
	}
	if rawKeys != "" {
		if err := json.Unmarshal([]byte(rawKeys), &c.pubKeys); err != nil {
			return fmt.Errorf("decode public keys: %w", err)
		}
	}
	// Self-heal: the active key must always be resolvable during verify.
	pub := c.priv.Public().(ed25519.PublicKey)
	if _, ok := c.pubKeys[c.keyID]; !ok {
		c.pubKeys[c.keyID] = hex.EncodeToString(pub)
		if err := c.persistPubKeys(ctx); err != nil {
			return err
		}
	}
	return nil
}

// mintKey generates, activates, and persists a new keypair. Caller holds the
// mutex (or is the constructor).
func (c *Chain) mintKey(ctx context.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	sum := sha256.Sum256(pub)
	keyID := "key_" + hex.EncodeToString(sum[:])[:8]

	pk := persistedKey{
		KeyID:     keyID,
		Seed:      hex.EncodeToString(priv.Seed()),
		CreatedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(pk)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	if err := c.store.KVSet(ctx, kvSigningKey, string(encoded)); err != nil {
		return fmt.Errorf("persist signing key: %w", err)
	}

	c.priv = priv
	c.keyID = keyID
	c.keyCreatedAt = pk.CreatedAt
	if c.pubKeys == nil {
		c.pubKeys = make(map[string]string)
	}
	c.pubKeys[keyID] = hex.EncodeToString(pub)
	return c.persistPubKeys(ctx)
}

func (c *Chain) persistPubKeys(ctx context.Context) error {
	encoded, err := json.Marshal(c.pubKeys)
	if err != nil {
		return fmt.Errorf("encode public keys: %w", err)
	}
	if err := c.store.KVSet(ctx, kvPublicKeys, string(encoded)); err != nil {
		return fmt.Errorf("persist public keys: %w", err)
	}
	return nil
}

func signingPayload(op persistence.ChainOp) []byte {
	doc := signedFields{
		Tool:            op.Tool,
		Data:            op.Data,
		LatencyMS:       op.LatencyMS,
		Timestamp:       op.Timestamp.UTC().Format(time.RFC3339Nano),
		ParentSignature: op.ParentSignature,
	}
	// Marshaling a fixed struct cannot fail.
	b, _ := json.Marshal(doc)
	return b
}

// Sign appends one operation to the chain: signs the canonical payload
// (including the current head as parent), persists the row, mirrors it to
// JSONL, and announces it on the bus. Appends are serialized.
func (c *Chain) Sign(ctx context.Context, tool, data string, latencyMS int64) (persistence.ChainOp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := persistence.ChainOp{
		OpID:            fmt.Sprintf("op_%04d", c.length+1),
		Tool:            tool,
		Data:            data,
		Timestamp:       time.Now().UTC(),
		LatencyMS:       latencyMS,
		KeyID:           c.keyID,
		Algorithm:       algorithmEd25519,
		ParentSignature: c.head,
	}
	op.Signature = hex.EncodeToString(ed25519.Sign(c.priv, signingPayload(op)))

	if err := c.store.AppendChainOp(ctx, op); err != nil {
		return persistence.ChainOp{}, fmt.Errorf("append chain op: %w", err)
	}
	c.head = op.Signature
	c.length++

	if c.mirror != nil {
		if line, err := json.Marshal(op); err == nil {
			_, _ = c.mirror.Write(append(line, '\n'))
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicChainAppended, bus.ChainAppendedEvent{
			OpID:   op.OpID,
			Tool:   op.Tool,
			Length: c.length,
		})
	}
	return op, nil
}

// VerifyOperation checks a single operation's signature against the public
// key it names. Unknown key ids fail verification.
func (c *Chain) VerifyOperation(op persistence.ChainOp) bool {
	c.mu.Lock()
	pubHex, ok := c.pubKeys[op.KeyID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(op.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), signingPayload(op), sig)
}

// VerifyChain walks the whole log oldest-first, checking parent linkage and
// every signature. Broken positions are reported by zero-based index; an
// empty chain is valid.
func (c *Chain) VerifyChain(ctx context.Context) (Report, error) {
	ops, err := c.store.AllChainOps(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load chain: %w", err)
	}

	report := Report{Length: len(ops), BrokenLinks: []int{}}
	prevSignature := ""
	for i, op := range ops {
		linked := op.ParentSignature == prevSignature
		if !linked || !c.VerifyOperation(op) {
			report.BrokenLinks = append(report.BrokenLinks, i)
		}
		prevSignature = op.Signature
	}
	report.Valid = len(report.BrokenLinks) == 0
	return report, nil
}

// KeyInfo reports the active signing key.
func (c *Chain) KeyInfo() KeyInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return KeyInfo{
		KeyID:     c.keyID,
		Algorithm: algorithmEd25519,
		PublicKey: c.pubKeys[c.keyID],
		CreatedAt: c.keyCreatedAt,
	}
}

// RotateKey mints a new signing keypair. The retired public key stays in the
// key set so operations signed before rotation keep verifying, and parent
// linkage is untouched.
func (c *Chain) RotateKey(ctx context.Context) (KeyInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mintKey(ctx); err != nil {
		return KeyInfo{}, err
	}
	return KeyInfo{
		KeyID:     c.keyID,
		Algorithm: algorithmEd25519,
		PublicKey: c.pubKeys[c.keyID],
		CreatedAt: c.keyCreatedAt,
	}, nil
}

// Keys lists every key id that has ever signed, with its public key hex.
func (c *Chain) Keys() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.pubKeys))
	for id, pub := range c.pubKeys {
		out[id] = pub
	}
	return out
}

// Export returns the full chain oldest-first for offline verification.
func (c *Chain) Export(ctx context.Context) ([]persistence.ChainOp, error) {
	return c.store.AllChainOps(ctx)
}

// Length returns the current chain length.
func (c *Chain) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// ToolStats aggregates signed operations per tool.
func (c *Chain) ToolStats(ctx context.Context) (Stats, error) {
	tools, err := c.store.ChainToolStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Length: c.length,
		KeyID:  c.keyID,
		Tools:  tools,
	}, nil
}
