// internal/storage/memory.go
package storage

import (
	"sync"

	"waternet-gateway/internal/data"
)

const defaultFaultCapacity = 50 // Keep last 50 fault records

// FaultLog is a bounded FIFO of fault records. Insertion order is preserved
// and the oldest record is evicted first once capacity is exceeded.
type FaultLog struct {
	mu       sync.RWMutex
	buffer   []data.FaultRecord
	capacity int
}

func NewFaultLog(capacity int) *FaultLog {
	if capacity <= 0 {
		capacity = defaultFaultCapacity
	}
	return &FaultLog{
		buffer:   make([]data.FaultRecord, 0, capacity),
		capacity: capacity,
	}
}

// Add appends rec and returns the number of records evicted to make room.
func (s *FaultLog) Add(rec data.FaultRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, rec)
	return s.trimLocked()
}

// Restore replaces the contents with recs, keeping only the newest
// capacity records.
func (s *FaultLog) Restore(recs []data.FaultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(make([]data.FaultRecord, 0, s.capacity), recs...)
	s.trimLocked()
}

func (s *FaultLog) trimLocked() int {
	over := len(s.buffer) - s.capacity
	if over <= 0 {
		return 0
	}
	// Copy so the backing array does not grow without bound.
	kept := make([]data.FaultRecord, s.capacity, s.capacity)
	copy(kept, s.buffer[over:])
	s.buffer = kept
	return over
}

func (s *FaultLog) GetRecent(count int) []data.FaultRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || count > len(s.buffer) {
		count = len(s.buffer)
	}
	// Return a copy to avoid race conditions if the caller modifies it
	result := make([]data.FaultRecord, count)
	copy(result, s.buffer[len(s.buffer)-count:])
	return result
}

func (s *FaultLog) GetAll() []data.FaultRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]data.FaultRecord, len(s.buffer))
	copy(result, s.buffer)
	return result
}

func (s *FaultLog) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffer)
}

func (s *FaultLog) Capacity() int {
	return s.capacity
}

// MemoryState is a StateStore that lives only as long as the process.
type MemoryState struct {
	mu      sync.Mutex
	cursors map[string]data.CursorState
	faults  []data.FaultRecord
}

func NewMemoryState() *MemoryState {
	return &MemoryState{cursors: make(map[string]data.CursorState)}
}

func (m *MemoryState) LoadCursors() (map[string]data.CursorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]data.CursorState, len(m.cursors))
	for k, v := range m.cursors {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryState) SaveCursor(sensorID string, st data.CursorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[sensorID] = st
	return nil
}

func (m *MemoryState) LoadFaults() ([]data.FaultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]data.FaultRecord(nil), m.faults...), nil
}

func (m *MemoryState) SaveFaults(recs []data.FaultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append([]data.FaultRecord(nil), recs...)
	return nil
}

func (m *MemoryState) Close() error { return nil }
