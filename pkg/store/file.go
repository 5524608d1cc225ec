package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const latestFile = "LATEST"

// FileStore keeps snapshots as content-addressed JSON objects under
// BasePath, with LATEST naming the current one.
type FileStore struct {
	BasePath string
}

// NewFileStore creates the directory layout. An empty basePath selects
// ~/.inferroute/state.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".inferroute", "state")
	}
	if err := os.MkdirAll(filepath.Join(basePath, "objects"), 0755); err != nil {
		return nil, err
	}
	return &FileStore{BasePath: basePath}, nil
}

func (s *FileStore) objectPath(hash string) string {
	return filepath.Join(s.BasePath, "objects", hash[:2], hash+".json")
}

// Save writes the snapshot object, then repoints LATEST.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := s.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.BasePath, latestFile), []byte(hash+"\n"))
}

// Load reads the snapshot LATEST points to.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	ref, err := os.ReadFile(filepath.Join(s.BasePath, latestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	hash := strings.TrimSpace(string(ref))
	if len(hash) != sha256.Size*2 {
		return nil, fmt.Errorf("corrupt %s reference %q", latestFile, hash)
	}

	data, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		return nil, err
	}
	if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("snapshot %s failed its content check", hash[:12])
	}
	return decode(data)
}

// Prune removes every snapshot object except the keep most recently
// written ones. The object LATEST points to is always kept.
func (s *FileStore) Prune(keep int) (int, error) {
	ref, _ := os.ReadFile(filepath.Join(s.BasePath, latestFile))
	current := strings.TrimSpace(string(ref))

	type object struct {
		path string
		mod  int64
	}
	var objects []object
	root := filepath.Join(s.BasePath, "objects")
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".json" {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, object{path: path, mod: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].mod > objects[j].mod })
	removed := 0
	for i, obj := range objects {
		if i < keep || strings.TrimSuffix(filepath.Base(obj.path), ".json") == current {
			continue
		}
		if err := os.Remove(obj.path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
