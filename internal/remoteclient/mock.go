package remoteclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/outlet-sync/outlet/internal/errors"
)

// MockClient is an in-memory Client used by tests and by any
// integration exercising a TreeStore without a real backend,
// generalizing the teacher's MockGraphClient
// (internal/graph/mock/mock_graph_client.go: maps of items/collections
// behind a mutex, no network) to the remoteclient.Client surface.
type MockClient struct {
	mu       sync.Mutex
	items    map[string]Item
	children map[string][]string // parent id -> ordered child ids
	nextID   int

	changeLog []changeEvent
}

type changeEvent struct {
	upsert    *Item
	removedID string
}

// NewMockClient returns an empty mock backend with a synthetic root
// folder id "root".
func NewMockClient() *MockClient {
	m := &MockClient{
		items:    make(map[string]Item),
		children: make(map[string][]string),
	}
	m.items["root"] = Item{ID: "root", Name: "", IsFolder: true}
	return m
}

func (m *MockClient) allocID() string {
	m.nextID++
	return fmt.Sprintf("mock-item-%d", m.nextID)
}

// ListChildren implements Client.
func (m *MockClient) ListChildren(_ context.Context, parentID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[parentID]; !ok {
		return nil, errors.NodeNotFound
	}
	var out []Item
	for _, id := range m.children[parentID] {
		if it, ok := m.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// GetByID implements Client.
func (m *MockClient) GetByID(_ context.Context, id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, errors.NodeNotFound
	}
	return it, nil
}

// CreateFolder implements Client.
func (m *MockClient) CreateFolder(_ context.Context, parentID, name string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[parentID]; !ok {
		return Item{}, errors.NodeNotFound
	}
	it := Item{ID: m.allocID(), Name: name, ParentIDs: []string{parentID}, IsFolder: true}
	m.putLocked(it)
	return it, nil
}

// UploadFile implements Client.
func (m *MockClient) UploadFile(_ context.Context, parentID, name string, content []byte) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[parentID]; !ok {
		return Item{}, errors.NodeNotFound
	}
	it := Item{
		ID:        m.allocID(),
		Name:      name,
		ParentIDs: []string{parentID},
		Size:      uint64(len(content)),
		MD5:       fmt.Sprintf("%x", content),
	}
	m.putLocked(it)
	return it, nil
}

// ModifyMeta implements Client.
func (m *MockClient) ModifyMeta(_ context.Context, id, newName, newParentID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, errors.NodeNotFound
	}
	for _, oldParent := range it.ParentIDs {
		m.children[oldParent] = removeID(m.children[oldParent], id)
	}
	if newName != "" {
		it.Name = newName
	}
	it.ParentIDs = []string{newParentID}
	m.items[id] = it
	m.children[newParentID] = append(m.children[newParentID], id)
	m.changeLog = append(m.changeLog, changeEvent{upsert: &it})
	return it, nil
}

// Trash implements Client.
func (m *MockClient) Trash(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return errors.NodeNotFound
	}
	it.IsTrashed = true
	m.items[id] = it
	m.changeLog = append(m.changeLog, changeEvent{upsert: &it})
	return nil
}

// HardDelete implements Client.
func (m *MockClient) HardDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return errors.NodeNotFound
	}
	for _, p := range it.ParentIDs {
		m.children[p] = removeID(m.children[p], id)
	}
	delete(m.items, id)
	delete(m.children, id)
	m.changeLog = append(m.changeLog, changeEvent{removedID: id})
	return nil
}

// ChangesStartToken implements Client: the mock's token is simply the
// changeLog length at call time.
func (m *MockClient) ChangesStartToken(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%d", len(m.changeLog)), nil
}

// ChangesList implements Client, replaying changeLog entries recorded
// since token.
func (m *MockClient) ChangesList(_ context.Context, token string) (ChangeBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var since int
	if _, err := fmt.Sscanf(token, "%d", &since); err != nil {
		since = 0
	}
	if since < 0 || since > len(m.changeLog) {
		since = 0
	}

	var batch ChangeBatch
	for _, ev := range m.changeLog[since:] {
		if ev.upsert != nil {
			batch.Upserted = append(batch.Upserted, *ev.upsert)
		} else {
			batch.RemovedID = append(batch.RemovedID, ev.removedID)
		}
	}
	batch.NextToken = fmt.Sprintf("%d", len(m.changeLog))
	return batch, nil
}

func (m *MockClient) putLocked(it Item) {
	m.items[it.ID] = it
	for _, p := range it.ParentIDs {
		m.children[p] = append(m.children[p], it.ID)
	}
	m.changeLog = append(m.changeLog, changeEvent{upsert: &it})
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

var _ Client = (*MockClient)(nil)
