package platform

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process entity registry.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*memoryEntry
	gen     uint64
	now     func() time.Time
}

type memoryEntry struct {
	record Record
	gen    uint64
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Expose registers the entity, replacing any previous entity with the same id.
func (m *Memory) Expose(d Descriptor) (Binding, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.records[d.UniqueID] = &memoryEntry{
		record: Record{Descriptor: d, UpdatedAt: m.now()},
		gen:    m.gen,
	}
	return &memoryBinding{host: m, id: d.UniqueID, gen: m.gen}, nil
}

// Lookup returns a copy of the live record
func (m *Memory) Lookup(uniqueID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.records[uniqueID]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Remove deletes the entity from the registry
func (m *Memory) Remove(uniqueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[uniqueID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}
	delete(m.records, uniqueID)
	return nil
}

// Records returns all records sorted by unique id
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.UniqueID < out[j].Descriptor.UniqueID
	})
	return out
}

// Len returns the number of exposed entities
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) push(id string, gen uint64, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok || e.gen != gen {
		return
	}
	if s.Attributes != nil {
		attrs := make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			attrs[k] = v
		}
		s.Attributes = attrs
	}
	e.record.State = s
	e.record.UpdatedAt = m.now()
}

func (m *Memory) detach(id string, gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok || e.gen != gen {
		return nil
	}
	delete(m.records, id)
	return nil
}

type memoryBinding struct {
	host *Memory
	id   string
	gen  uint64
}

func (b *memoryBinding) UniqueID() string { return b.id }
func (b *memoryBinding) Push(s State)     { b.host.push(b.id, b.gen, s) }
func (b *memoryBinding) Detach() error    { return b.host.detach(b.id, b.gen) }
