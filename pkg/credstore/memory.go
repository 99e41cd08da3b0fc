package credstore

import (
	"context"
	"sync"

	"github.com/lkarlslund/buddyproxy/pkg/tokens"
)

type Memory struct {
	mu      sync.RWMutex
	records map[string]tokens.TokenRecord
}

func NewMemory() *Memory {
	return &Memory{records: map[string]tokens.TokenRecord{}}
}

func (m *Memory) Get(_ context.Context, secret string) (tokens.TokenRecord, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[secretKey(secret)]
	m.mu.RUnlock()
	return rec, ok, nil
}

func (m *Memory) Put(_ context.Context, secret string, rec tokens.TokenRecord) error {
	m.mu.Lock()
	m.records[secretKey(secret)] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
