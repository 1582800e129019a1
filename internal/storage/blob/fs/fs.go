/*
Tern Mail Server - Multi-protocol mail server with a shared message store.
Copyright © 2023-2025 Tern Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package fs stores attachment blobs as flat files in a directory, one
// file per key. Keys are the attachment IDs the SQL store hands out, so
// they are path-safe by construction.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/module"
)

const modName = "storage.blob.fs"

type FSStore struct {
	instName string
	root     string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	store := &FSStore{instName: instName}
	switch len(inlineArgs) {
	case 0:
	case 1:
		store.root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: 0 or 1 arguments expected", modName)
	}
	return store, nil
}

func (s *FSStore) Init(cfg *config.Map) error {
	cfg.String("root", false, false, s.root, &s.root)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.root == "" {
		return fmt.Errorf("%s: directory not set", modName)
	}

	return os.MkdirAll(s.root, 0o700)
}

func (s *FSStore) Name() string {
	return modName
}

func (s *FSStore) InstanceName() string {
	return s.instName
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

func (s *FSStore) Create(_ context.Context, key string, blobSize int64) (module.Blob, error) {
	f, err := os.Create(filepath.Join(s.root, key))
	if err != nil {
		return nil, err
	}
	if blobSize != module.UnknownBlobSize {
		// Preallocate so a full disk fails the transfer, not the Sync at
		// its end.
		if err := f.Truncate(blobSize); err != nil {
			f.Close() //nolint:errcheck
			return nil, err
		}
	}
	return f, nil
}

func (s *FSStore) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		if err := os.Remove(filepath.Join(s.root, key)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func init() {
	var _ module.BlobStore = &FSStore{}
	module.Register(modName, New)
}
