package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalStorage stores files on the local filesystem. Metadata is kept in a
// JSON sidecar next to each file so the index survives restarts; the sync
// protocol depends on raw bytes staying fetchable after a process restart.
type LocalStorage struct {
	baseDir string
	mu      sync.RWMutex
	files   map[string]*FileInfo
}

func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	s := &LocalStorage{
		baseDir: baseDir,
		files:   make(map[string]*FileInfo),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex rebuilds the in-memory index from sidecar files.
func (s *LocalStorage) loadIndex() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("scan storage dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, e.Name()))
		if err != nil {
			continue
		}
		var info FileInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		s.files[info.ID] = &info
	}
	return nil
}

func (s *LocalStorage) Save(_ context.Context, id, filename, contentType string, reader io.Reader) (*FileInfo, error) {
	ext := filepath.Ext(filename)
	storedName := id + ext
	fullPath := filepath.Join(s.baseDir, storedName)

	f, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, reader)
	if err != nil {
		os.Remove(fullPath)
		return nil, fmt.Errorf("write file: %w", err)
	}

	info := &FileInfo{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Size:        n,
		Path:        storedName,
		CreatedAt:   time.Now().UTC(),
	}

	meta, _ := json.Marshal(info)
	if err := os.WriteFile(s.metaPath(id), meta, 0644); err != nil {
		os.Remove(fullPath)
		return nil, fmt.Errorf("write file metadata: %w", err)
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()

	return info, nil
}

func (s *LocalStorage) Get(_ context.Context, id string) (*FileInfo, io.ReadCloser, error) {
	s.mu.RLock()
	info, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}

	f, err := os.Open(filepath.Join(s.baseDir, info.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	return info, f, nil
}

func (s *LocalStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	info, ok := s.files[id]
	if ok {
		delete(s.files, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	os.Remove(s.metaPath(id))
	return os.Remove(filepath.Join(s.baseDir, info.Path))
}

func (s *LocalStorage) List(_ context.Context) ([]FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]FileInfo, 0, len(s.files))
	for _, info := range s.files {
		result = append(result, *info)
	}
	return result, nil
}

func (s *LocalStorage) metaPath(id string) string {
	return filepath.Join(s.baseDir, id+".meta.json")
}
