// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows inbox, router and poller tests to run without a filesystem or SQLite

package store

import (
	"context"
	"fmt"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	mailboxes   map[string]map[string]*Entry // worker -> message id -> entry
	attachments map[string][]byte            // "owner/filename" -> content

	// PutErr, when set, fails every Put.
	PutErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		mailboxes:   make(map[string]map[string]*Entry),
		attachments: make(map[string][]byte),
	}
}

// Put stores a copy of e.
func (m *MockStore) Put(_ context.Context, worker string, e *Entry) (string, error) {
	if m.PutErr != nil {
		return "", m.PutErr
	}
	if !ValidName(worker) {
		return "", fmt.Errorf("%w: worker %q", ErrInvalidName, worker)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.mailboxes[worker]
	if !ok {
		box = make(map[string]*Entry)
		m.mailboxes[worker] = box
	}
	cp := *e
	if prev, ok := box[e.ID()]; ok && prev.Read {
		cp.Read = true
	}
	box[e.ID()] = &cp
	return "mock:" + worker + "/" + e.ID(), nil
}

// Get returns a copy of one entry.
func (m *MockStore) Get(_ context.Context, worker, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.mailboxes[worker][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// List returns copies of worker's entries, oldest first.
func (m *MockStore) List(_ context.Context, worker string, unreadOnly bool) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.mailboxes[worker] {
		if unreadOnly && e.Read {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sortEntries(out)
	return out, nil
}

// MarkRead flips the read flag.
func (m *MockStore) MarkRead(_ context.Context, worker, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.mailboxes[worker][id]
	if !ok {
		return ErrNotFound
	}
	e.Read = true
	return nil
}

// Delete removes one entry.
func (m *MockStore) Delete(_ context.Context, worker, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mailboxes[worker][id]; !ok {
		return ErrNotFound
	}
	delete(m.mailboxes[worker], id)
	return nil
}

// Clear removes worker's mailbox.
func (m *MockStore) Clear(_ context.Context, worker string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.mailboxes[worker])
	delete(m.mailboxes, worker)
	return n, nil
}

// PutAttachment stores content under owner/filename.
func (m *MockStore) PutAttachment(_ context.Context, owner, filename string, content []byte) (string, error) {
	if !ValidName(owner) || !ValidName(filename) {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidName, owner, filename)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner + "/" + filename
	m.attachments[key] = append([]byte(nil), content...)
	return "mock:" + sharedDirName + "/" + key, nil
}

// Attachment returns stored attachment content.
func (m *MockStore) Attachment(owner, filename string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.attachments[owner+"/"+filename]
	return b, ok
}

// Count returns the number of entries across all mailboxes.
func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, box := range m.mailboxes {
		n += len(box)
	}
	return n
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
