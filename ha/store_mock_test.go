package ha

import (
	"fmt"
	"sync"
)

// memStore is an in-memory Store used across the ha tests.
type memStore struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore(initial []byte) *memStore {
	return &memStore{data: append([]byte(nil), initial...)}
}

func (m *memStore) MaxOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

func (m *memStore) AppendAt(phyOffset int64, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if phyOffset+int64(len(body)) <= int64(len(m.data)) {
		return nil
	}
	if phyOffset != int64(len(m.data)) {
		return fmt.Errorf("append offset mismatch: got=%d want=%d", phyOffset, len(m.data))
	}
	m.data = append(m.data, body...)
	return nil
}

func (m *memStore) ReadRange(from int64, max int32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from < 0 || from > int64(len(m.data)) {
		return nil, fmt.Errorf("read offset out of range: from=%d max=%d", from, len(m.data))
	}
	end := from + int64(max)
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	return append([]byte(nil), m.data[from:end]...), nil
}

func (m *memStore) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
