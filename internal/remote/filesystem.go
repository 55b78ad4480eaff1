package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

// FileSystemStore is a filesystem-based implementation of propsync.RemoteStore,
// suitable for a shared network mount. Documents are stored one per file:
//
//	<root>/
//	  <collection>/
//	    <id>.json
//
// Changes are detected by polling file names, sizes and modification times.
type FileSystemStore struct {
	root         string
	pollInterval time.Duration
	offline      atomic.Bool

	// mu serialises read-modify-write updates within this process.
	mu sync.Mutex
}

var _ propsync.RemoteStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates a store rooted at the given path.
func NewFileSystemStore(root string, pollInterval time.Duration) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &FileSystemStore{root: root, pollInterval: pollInterval}, nil
}

func (s *FileSystemStore) checkOnline() error {
	if s.offline.Load() {
		return fmt.Errorf("filesystem store offline: %w", propsync.ErrUnavailable)
	}
	return nil
}

func (s *FileSystemStore) collectionDir(collection string) (string, error) {
	if collection == "" || strings.ContainsAny(collection, `/\`) || collection == "." || collection == ".." {
		return "", fmt.Errorf("%w: invalid collection name %q", propsync.ErrValidation, collection)
	}
	return filepath.Join(s.root, collection), nil
}

func (s *FileSystemStore) docPath(collection, id string) (string, error) {
	dir, err := s.collectionDir(collection)
	if err != nil {
		return "", err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: invalid document id %q", propsync.ErrValidation, id)
	}
	return filepath.Join(dir, id+".json"), nil
}

func (s *FileSystemStore) List(ctx context.Context, collection string) ([]model.WireEntity, error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	dir, err := s.collectionDir(collection)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mapOSError(fmt.Errorf("listing %s: %w", collection, err))
	}

	docs := make([]model.WireEntity, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isDocFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted since ReadDir
			}
			return nil, mapOSError(fmt.Errorf("reading %s/%s: %w", collection, entry.Name(), err))
		}
		doc, err := propsync.DecodeDocument(data)
		if err != nil {
			continue // unreadable documents are skipped, like malformed ones
		}
		docs = append(docs, doc)
	}
	model.SortWireNewestFirst(docs)
	return docs, nil
}

func isDocFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (s *FileSystemStore) Get(ctx context.Context, collection, id string) (model.WireEntity, bool, error) {
	if err := s.checkOnline(); err != nil {
		return model.WireEntity{}, false, err
	}
	path, err := s.docPath(collection, id)
	if err != nil {
		return model.WireEntity{}, false, err
	}
	return s.readDoc(path)
}

func (s *FileSystemStore) readDoc(path string) (model.WireEntity, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.WireEntity{}, false, nil
		}
		return model.WireEntity{}, false, mapOSError(fmt.Errorf("reading %s: %w", path, err))
	}
	doc, err := propsync.DecodeDocument(data)
	if err != nil {
		return model.WireEntity{}, false, err
	}
	return doc, true, nil
}

func (s *FileSystemStore) Set(ctx context.Context, collection string, doc model.WireEntity) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	path, err := s.docPath(collection, doc.ID)
	if err != nil {
		return err
	}
	data, err := propsync.EncodeDocument(doc)
	if err != nil {
		return err
	}
	return s.writeFile(path, data)
}

func (s *FileSystemStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	path, err := s.docPath(collection, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, found, err := s.readDoc(path)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("updating %s/%s: %w", collection, id, propsync.ErrNotFound)
	}
	doc, err = model.ApplyUpdates(doc, fields)
	if err != nil {
		return err
	}
	data, err := propsync.EncodeDocument(doc)
	if err != nil {
		return err
	}
	return s.writeFile(path, data)
}

func (s *FileSystemStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkOnline(); err != nil {
		return err
	}
	path, err := s.docPath(collection, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mapOSError(fmt.Errorf("deleting %s/%s: %w", collection, id, err))
	}
	return nil
}

func (s *FileSystemStore) Listen(ctx context.Context, collection string, onSnapshot propsync.SnapshotFunc, onError func(error)) (func(), error) {
	if err := s.checkOnline(); err != nil {
		return nil, err
	}
	dir, err := s.collectionDir(collection)
	if err != nil {
		return nil, err
	}

	p := pollListener{
		interval: s.pollInterval,
		fingerprint: func(ctx context.Context) (string, error) {
			if err := s.checkOnline(); err != nil {
				return "", err
			}
			return dirFingerprint(dir)
		},
		list: func(ctx context.Context) ([]model.WireEntity, error) {
			return s.List(ctx, collection)
		},
	}
	return p.start(ctx, onSnapshot, onError)
}

// dirFingerprint hashes the name, size and mtime of every document file.
func dirFingerprint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", mapOSError(err)
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isDocFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s:%d:%d", entry.Name(), info.Size(), info.ModTime().UnixNano()))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// EnableNetwork brings the store back online and verifies the root is a
// readable directory.
func (s *FileSystemStore) EnableNetwork(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return mapOSError(fmt.Errorf("store root not accessible: %w", err))
	}
	if !info.IsDir() {
		return fmt.Errorf("store root is not a directory: %s", s.root)
	}
	s.offline.Store(false)
	return nil
}

func (s *FileSystemStore) DisableNetwork(ctx context.Context) error {
	s.offline.Store(true)
	return nil
}

func (s *FileSystemStore) RefreshCredentials(ctx context.Context) error { return nil }

func (s *FileSystemStore) Close() error { return nil }

// writeFile writes data to destPath atomically (temp file + rename).
func (s *FileSystemStore) writeFile(destPath string, data []byte) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return mapOSError(fmt.Errorf("failed to create collection directory: %w", err))
	}

	// Temp file in the same directory so the rename stays atomic.
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return mapOSError(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return mapOSError(fmt.Errorf("failed to write data: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		return mapOSError(fmt.Errorf("failed to close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return mapOSError(fmt.Errorf("failed to rename temp file: %w", err))
	}

	success = true
	return nil
}

// mapOSError tags permission failures so the health monitor can react.
func mapOSError(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %w", propsync.ErrPermissionDenied, err)
	}
	return err
}
