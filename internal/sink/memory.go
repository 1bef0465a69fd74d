package sink

import (
	"sync"

	"firestige.xyz/recorder/internal/core"
)

// Memory keeps records in memory.
type Memory struct {
	mu      sync.Mutex
	records []core.Record
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string { return TypeMemory }

func (m *Memory) Put(_ core.StreamID, rec core.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything stored so far.
func (m *Memory) Records() []core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Record(nil), m.records...)
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
