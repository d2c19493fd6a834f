// ABOUTME: Directory-per-worker, JSON-file-per-message Store implementation
// ABOUTME: Files that are not entries are skipped when listing a mailbox

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	entryExt      = ".json"
	sharedDirName = "_shared"
)

// FileStore implements Store on the local filesystem:
//
//	<root>/<worker>/<message-id>.json
//	<root>/_shared/<owner>/<filename>
type FileStore struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox directory: %w", err)
	}
	return &FileStore{
		root:   dir,
		logger: slog.Default().With("component", "store", "backend", "file"),
	}, nil
}

// Root returns the directory the store writes under.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) entryPath(worker, id string) (string, error) {
	if !ValidName(worker) {
		return "", fmt.Errorf("%w: worker %q", ErrInvalidName, worker)
	}
	if !ValidName(id) {
		return "", fmt.Errorf("%w: message id %q", ErrInvalidName, id)
	}
	return filepath.Join(s.root, worker, id+entryExt), nil
}

// Put writes e as <worker>/<id>.json.
func (s *FileStore) Put(_ context.Context, worker string, e *Entry) (string, error) {
	path, err := s.entryPath(worker, e.ID())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating mailbox: %w", err)
	}
	if prev, err := readEntry(path); err == nil && prev.Read && !e.Read {
		cp := *e
		cp.Read = true
		e = &cp
	}
	if err := writeEntry(path, e); err != nil {
		return "", err
	}
	return path, nil
}

// writeEntry writes via a temp file so readers never see a partial entry.
func writeEntry(path string, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Message.ID == "" {
		return nil, errors.New("entry has no message id")
	}
	return &e, nil
}

// Get reads one entry.
func (s *FileStore) Get(_ context.Context, worker, id string) (*Entry, error) {
	path, err := s.entryPath(worker, id)
	if err != nil {
		return nil, err
	}
	e, err := readEntry(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	return e, nil
}

// List reads every entry in worker's mailbox.
func (s *FileStore) List(_ context.Context, worker string, unreadOnly bool) ([]*Entry, error) {
	if !ValidName(worker) {
		return nil, fmt.Errorf("%w: worker %q", ErrInvalidName, worker)
	}
	dir := filepath.Join(s.root, worker)
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mailbox: %w", err)
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entryExt) {
			continue
		}
		e, err := readEntry(filepath.Join(dir, f.Name()))
		if err != nil {
			s.logger.Debug("skipping non-entry file", "path", filepath.Join(dir, f.Name()), "error", err)
			continue
		}
		if unreadOnly && e.Read {
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

// MarkRead flips the entry's read flag.
func (s *FileStore) MarkRead(_ context.Context, worker, id string) error {
	path, err := s.entryPath(worker, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := readEntry(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading entry: %w", err)
	}
	if e.Read {
		return nil
	}
	e.Read = true
	return writeEntry(path, e)
}

// Delete removes one entry.
func (s *FileStore) Delete(_ context.Context, worker, id string) error {
	path, err := s.entryPath(worker, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

// Clear removes every entry in worker's mailbox. Other files stay.
func (s *FileStore) Clear(_ context.Context, worker string) (int, error) {
	if !ValidName(worker) {
		return 0, fmt.Errorf("%w: worker %q", ErrInvalidName, worker)
	}
	dir := filepath.Join(s.root, worker)

	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading mailbox: %w", err)
	}
	removed := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entryExt) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		if _, err := readEntry(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("deleting entry: %w", err)
		}
		removed++
	}
	return removed, nil
}

// PutAttachment writes content to _shared/<owner>/<filename>.
func (s *FileStore) PutAttachment(_ context.Context, owner, filename string, content []byte) (string, error) {
	if !ValidName(owner) {
		return "", fmt.Errorf("%w: owner %q", ErrInvalidName, owner)
	}
	if !ValidName(filename) {
		return "", fmt.Errorf("%w: file %q", ErrInvalidName, filename)
	}
	dir := filepath.Join(s.root, sharedDirName, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating shared directory: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing attachment: %w", err)
	}
	return path, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ReceivedAt.Before(entries[j].ReceivedAt)
	})
}
