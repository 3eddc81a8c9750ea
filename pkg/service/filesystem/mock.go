// Copyright 2025 Tether Device Management
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filesystem

import (
	"context"
	"os"
	"sync"
	"time"
)

// MockFileSystem is an in-memory implementation of Service. Behavior can be
// overridden per method via the XxxFunc fields.
type MockFileSystem struct {
	ReadFileFunc        func(ctx context.Context, path string) ([]byte, error)
	WriteFileFunc       func(ctx context.Context, path string, data []byte, perm os.FileMode) error
	PathExistsFunc      func(ctx context.Context, path string) (bool, error)
	EnsureDirectoryFunc func(ctx context.Context, path string) error
	RemoveFunc          func(ctx context.Context, path string) error
	StatFunc            func(ctx context.Context, path string) (os.FileInfo, error)
	RenameFunc          func(ctx context.Context, oldPath, newPath string) error

	files map[string][]byte
	dirs  map[string]bool
	mutex sync.Mutex
}

// NewMockFileSystem creates an empty in-memory filesystem.
func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// WithFile seeds a file, for tests that start from existing state.
func (m *MockFileSystem) WithFile(path string, data []byte) *MockFileSystem {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.files[path] = data

	return m
}

func (m *MockFileSystem) EnsureDirectory(ctx context.Context, path string) error {
	if m.EnsureDirectoryFunc != nil {
		return m.EnsureDirectoryFunc(ctx, path)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.dirs[path] = true

	return nil
}

func (m *MockFileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, path)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

func (m *MockFileSystem) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if m.WriteFileFunc != nil {
		return m.WriteFileFunc(ctx, path, data, perm)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.files[path] = stored

	return nil
}

func (m *MockFileSystem) PathExists(ctx context.Context, path string) (bool, error) {
	if m.PathExistsFunc != nil {
		return m.PathExistsFunc(ctx, path)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.files[path]; ok {
		return true, nil
	}

	return m.dirs[path], nil
}

func (m *MockFileSystem) Remove(ctx context.Context, path string) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, path)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.files[path]; !ok && !m.dirs[path] {
		return os.ErrNotExist
	}

	delete(m.files, path)
	delete(m.dirs, path)

	return nil
}

func (m *MockFileSystem) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if m.StatFunc != nil {
		return m.StatFunc(ctx, path)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}

	return mockFileInfo{name: path, size: int64(len(data))}, nil
}

func (m *MockFileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	if m.RenameFunc != nil {
		return m.RenameFunc(ctx, oldPath, newPath)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, ok := m.files[oldPath]
	if !ok {
		return os.ErrNotExist
	}

	m.files[newPath] = data
	delete(m.files, oldPath)

	return nil
}

type mockFileInfo struct {
	name string
	size int64
}

func (fi mockFileInfo) Name() string       { return fi.name }
func (fi mockFileInfo) Size() int64        { return fi.size }
func (fi mockFileInfo) Mode() os.FileMode  { return 0o644 }
func (fi mockFileInfo) ModTime() time.Time { return time.Time{} }
func (fi mockFileInfo) IsDir() bool        { return false }
func (fi mockFileInfo) Sys() interface{}   { return nil }
