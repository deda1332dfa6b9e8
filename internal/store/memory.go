package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
)

// MemoryStore is an in-process ContractStore and MethodStore. Registering a
// contract also registers its events in the method index, the same way the
// database is populated on verification.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[common.Address]VerifiedContract
	methods   map[[4]byte][]models.ABIEntry
	seen      map[string]struct{}
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[common.Address]VerifiedContract),
		methods:   make(map[[4]byte][]models.ABIEntry),
		seen:      make(map[string]struct{}),
	}
}

// AddContract registers a verified contract and indexes its events.
func (s *MemoryStore) AddContract(c VerifiedContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contracts[c.Address] = c
	for _, entry := range c.ABI {
		if !entry.IsEvent() {
			continue
		}
		if err := s.addMethodLocked(entry); err != nil {
			return fmt.Errorf("contract %s: %w", c.Address.Hex(), err)
		}
	}
	return nil
}

// AddMethod registers a single event fragment in the method index.
func (s *MemoryStore) AddMethod(entry models.ABIEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMethodLocked(entry)
}

func (s *MemoryStore) addMethodLocked(entry models.ABIEntry) error {
	topic, err := abicodec.EventTopic(entry)
	if err != nil {
		return err
	}
	key := methodKey(topic, entry)
	if _, dup := s.seen[key]; dup {
		return nil
	}
	s.seen[key] = struct{}{}
	id := abicodec.MethodID(topic)
	s.methods[id] = append(s.methods[id], entry)
	return nil
}

// methodKey identifies a fragment by its topic hash and indexed layout.
func methodKey(topic common.Hash, entry models.ABIEntry) string {
	var b strings.Builder
	b.WriteString(topic.Hex())
	for _, in := range entry.Inputs {
		if in.Indexed {
			b.WriteString(":i")
		} else {
			b.WriteString(":d")
		}
	}
	return b.String()
}

// FindVerifiedContract implements ContractStore
func (s *MemoryStore) FindVerifiedContract(ctx context.Context, address common.Address, opts models.Options) (*VerifiedContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// FindCandidateMethods implements MethodStore
func (s *MemoryStore) FindCandidateMethods(ctx context.Context, methodID [4]byte, limit int, opts models.Options) ([]models.ABIEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.methods[methodID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]models.ABIEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Fixtures is the JSON document accepted by LoadFixtures
type Fixtures struct {
	Contracts []VerifiedContract `json:"contracts"`
	Methods   []models.ABIEntry  `json:"methods"`
	Logs      []models.Log       `json:"logs"`
}

// LoadFixtures reads a fixtures document into the store and returns it so
// callers can pick up the logs it carries.
func (s *MemoryStore) LoadFixtures(r io.Reader) (*Fixtures, error) {
	var fx Fixtures
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("failed to decode fixtures: %w", err)
	}
	for _, c := range fx.Contracts {
		if err := s.AddContract(c); err != nil {
			return nil, err
		}
	}
	for _, m := range fx.Methods {
		if err := s.AddMethod(m); err != nil {
			return nil, err
		}
	}
	return &fx, nil
}
