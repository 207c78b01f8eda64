// Package register assigns stable document IDs to source keys (file paths or
// URLs) and persists the key to ID mapping.
package register

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/jsonl"
	"github.com/hyperjump/councildocs/internal/models"
)

const (
	idPrefix      = "doc_"
	initialIDHex  = 12
	idGrowthStep  = 4
	maxIDHexChars = 32
)

// ErrInvalidKey is returned for descriptors without a usable stable key.
var ErrInvalidKey = errors.New("invalid document key")

type record struct {
	Key   string `json:"key"`
	DocID string `json:"doc_id"`
}

// Register maps normalized source keys to document IDs. Once assigned, an ID
// never changes and is never shared by two keys.
type Register struct {
	mu     sync.RWMutex
	byKey  map[string]string
	byID   map[string]string
	log    *jsonl.Log
	logger *zap.Logger
}

// Option configures a Register.
type Option func(*Register)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(r *Register) { r.logger = l }
}

// Open loads the register file at path, creating it if needed.
func Open(path string, opts ...Option) (*Register, error) {
	r := &Register{
		byKey: make(map[string]string),
		byID:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	err := jsonl.Scan(path, jsonl.Decode(func(rec record) error {
		if rec.Key == "" || rec.DocID == "" {
			return fmt.Errorf("incomplete register record")
		}
		if prev, ok := r.byID[rec.DocID]; ok && prev != rec.Key {
			return fmt.Errorf("doc_id %s assigned to both %q and %q", rec.DocID, prev, rec.Key)
		}
		if _, ok := r.byKey[rec.Key]; ok {
			// First assignment wins; later lines for the same key are ignored.
			return nil
		}
		r.byKey[rec.Key] = rec.DocID
		r.byID[rec.DocID] = rec.Key
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("load register: %w", err)
	}
	log, err := jsonl.OpenLog(path)
	if err != nil {
		return nil, err
	}
	r.log = log
	if r.logger != nil {
		r.logger.Debug("register loaded", zap.String("path", path), zap.Int("keys", len(r.byKey)))
	}
	return r, nil
}

// Assign returns the doc_id for the descriptor's key, creating and persisting
// one if the key is new. created reports whether a new ID was assigned.
// Title and date fields never influence the ID.
func (r *Register) Assign(d *models.Descriptor) (id string, created bool, err error) {
	key, err := NormalizeKey(d.Key())
	if err != nil {
		return "", false, err
	}
	return r.AssignKey(key)
}

// AssignKey is Assign for an already-normalized key.
func (r *Register) AssignKey(key string) (string, bool, error) {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return id, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[key]; ok {
		return id, false, nil
	}
	id, err := r.freshIDLocked(key)
	if err != nil {
		return "", false, err
	}
	if err := r.log.Append(record{Key: key, DocID: id}); err != nil {
		return "", false, fmt.Errorf("persist register entry: %w", err)
	}
	r.byKey[key] = id
	r.byID[id] = key
	if r.logger != nil {
		r.logger.Debug("doc_id assigned", zap.String("key", key), zap.String("doc_id", id))
	}
	return id, true, nil
}

// freshIDLocked derives the shortest unused ID for key. The 12-hex prefix of
// the name-based UUID is used unless another key already holds it, in which
// case the prefix grows until it is unique.
func (r *Register) freshIDLocked(key string) (string, error) {
	for n := initialIDHex; n <= maxIDHexChars; n += idGrowthStep {
		id := DeriveID(key, n)
		holder, taken := r.byID[id]
		if !taken || holder == key {
			return id, nil
		}
		if r.logger != nil {
			r.logger.Warn("doc_id collision, extending", zap.String("doc_id", id), zap.String("holder", holder), zap.String("key", key))
		}
	}
	return "", fmt.Errorf("cannot derive unique doc_id for %q", key)
}

// DeriveID returns "doc_" plus the first hexChars hex digits of the UUIDv5
// (DNS namespace) of key.
func DeriveID(key string, hexChars int) string {
	u := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(key))
	hex := fmt.Sprintf("%x", u[:])
	if hexChars > len(hex) {
		hexChars = len(hex)
	}
	return idPrefix + hex[:hexChars]
}

// Lookup returns the doc_id of a raw (unnormalized) key.
func (r *Register) Lookup(rawKey string) (string, bool) {
	key, err := NormalizeKey(rawKey)
	if err != nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	return id, ok
}

// Key returns the normalized key a doc_id was assigned to.
func (r *Register) Key(docID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byID[docID]
	return key, ok
}

// Has reports whether docID is registered.
func (r *Register) Has(docID string) bool {
	_, ok := r.Key(docID)
	return ok
}

// Len returns the number of registered keys.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Close closes the underlying file.
func (r *Register) Close() error {
	return r.log.Close()
}
