// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore is a MemoryStore which writes every change to a CBOR file.
type FileStore struct {
	*MemoryStore

	path string
}

type fileContents struct {
	Current  Resources `cbor:"current"`
	Defaults Resources `cbor:"defaults"`
}

// OpenFileStore loads resources from path. If the file does not exist, it is
// created with defaults as both the current and the manufacturer resources.
func OpenFileStore(path string, defaults Resources) (*FileStore, error) {
	s := &FileStore{path: filepath.Clean(path)}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.MemoryStore = NewMemoryStore(defaults)
		if err := s.write(s.MemoryStore.current); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("error reading %s: %w", s.path, err)
	default:
		var contents fileContents
		if err := Unmarshal(data, &contents); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", s.path, err)
		}
		s.MemoryStore = NewMemoryStore(contents.Defaults)
		s.MemoryStore.current = contents.Current
	}
	s.MemoryStore.persist = s.write
	return s, nil
}

// Path returns the file backing the store.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) write(current Resources) error {
	data, err := Marshal(fileContents{Current: current, Defaults: s.MemoryStore.defaults})
	if err != nil {
		return fmt.Errorf("error encoding resources: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("error writing resources: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing resources: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing resources: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("error writing resources: %w", err)
	}
	return nil
}
