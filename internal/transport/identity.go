package transport

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// IdentityMap maps lobby member ids to local connection ids and back. Both
// sides are unique across all entries.
type IdentityMap struct {
	mu       sync.RWMutex
	byRemote map[int64]int
	byLocal  map[int]int64
}

func NewIdentityMap() *IdentityMap {
	return &IdentityMap{
		byRemote: make(map[int64]int),
		byLocal:  make(map[int]int64),
	}
}

// Add fails with ErrDuplicateKey when either id is already mapped.
func (m *IdentityMap) Add(remoteID int64, localID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byRemote[remoteID]; ok {
		return fmt.Errorf("%w: member %d is connection %d", ErrDuplicateKey, remoteID, existing)
	}
	if existing, ok := m.byLocal[localID]; ok {
		return fmt.Errorf("%w: connection %d is member %d", ErrDuplicateKey, localID, existing)
	}
	m.byRemote[remoteID] = localID
	m.byLocal[localID] = remoteID
	return nil
}

func (m *IdentityMap) RemoveByRemote(remoteID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if localID, ok := m.byRemote[remoteID]; ok {
		delete(m.byRemote, remoteID)
		delete(m.byLocal, localID)
	}
}

func (m *IdentityMap) RemoveByLocal(localID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if remoteID, ok := m.byLocal[localID]; ok {
		delete(m.byLocal, localID)
		delete(m.byRemote, remoteID)
	}
}

func (m *IdentityMap) LookupByRemote(remoteID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	localID, ok := m.byRemote[remoteID]
	if !ok {
		return 0, fmt.Errorf("%w: member %d", ErrNotFound, remoteID)
	}
	return localID, nil
}

func (m *IdentityMap) LookupByLocal(localID int) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	remoteID, ok := m.byLocal[localID]
	if !ok {
		return 0, fmt.Errorf("%w: connection %d", ErrNotFound, localID)
	}
	return remoteID, nil
}

func (m *IdentityMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byLocal)
}

func (m *IdentityMap) Reset() {
	m.mu.Lock()
	clear(m.byRemote)
	clear(m.byLocal)
	m.mu.Unlock()
}

// LocalIDs returns the mapped connection ids in ascending order.
func (m *IdentityMap) LocalIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.byLocal))
}
