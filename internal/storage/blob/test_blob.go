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

// Package blob carries the contract checks shared by blob store
// implementations. The SQL store trusts these semantics when it offloads
// attachment content, so every implementation runs the same suite.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ternmail/tern/framework/module"
)

// TestStore runs the BlobStore contract checks against stores produced by
// newStore. cleanStore is called once per subtest with the store to throw
// away.
func TestStore(t *testing.T, newStore func() module.BlobStore, cleanStore func(module.BlobStore)) {
	check := func(name string, fn func(t *testing.T, store module.BlobStore)) {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			defer cleanStore(store)
			fn(t, store)
		})
	}

	check("create and read back", func(t *testing.T, store module.BlobStore) {
		content := []byte("attachment bytes")
		writeBlob(t, store, "key1", content, int64(len(content)))
		if got := readBlob(t, store, "key1"); !bytes.Equal(got, content) {
			t.Errorf("wrong content read back: %q", got)
		}
	})

	check("unknown size", func(t *testing.T, store module.BlobStore) {
		payload := bytes.Repeat([]byte{0x42}, 3000)
		writeBlob(t, store, "key2", payload, module.UnknownBlobSize)
		if got := readBlob(t, store, "key2"); !bytes.Equal(got, payload) {
			t.Errorf("wrong content read back: %d bytes", len(got))
		}
	})

	check("open missing", func(t *testing.T, store module.BlobStore) {
		_, err := store.Open(context.Background(), "no-such-key")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("expected ErrNoSuchBlob, got %v", err)
		}
	})

	check("delete", func(t *testing.T, store module.BlobStore) {
		writeBlob(t, store, "key3", []byte("gone soon"), 9)
		if err := store.Delete(context.Background(), []string{"key3", "never-existed"}); err != nil {
			t.Fatal(err)
		}
		_, err := store.Open(context.Background(), "key3")
		if !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("expected ErrNoSuchBlob after delete, got %v", err)
		}
	})

	check("keys do not collide", func(t *testing.T, store module.BlobStore) {
		writeBlob(t, store, "left", []byte("left content"), 12)
		writeBlob(t, store, "right", []byte("right content"), 13)
		if got := readBlob(t, store, "left"); !bytes.Equal(got, []byte("left content")) {
			t.Errorf("wrong content for left: %q", got)
		}
		if got := readBlob(t, store, "right"); !bytes.Equal(got, []byte("right content")) {
			t.Errorf("wrong content for right: %q", got)
		}
	})
}

func writeBlob(t *testing.T, store module.BlobStore, key string, content []byte, size int64) {
	t.Helper()

	blob, err := store.Create(context.Background(), key, size)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := blob.Write(content); err != nil {
		blob.Close()
		t.Fatal(err)
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		t.Fatal(err)
	}
	if err := blob.Close(); err != nil {
		t.Fatal(err)
	}
}

func readBlob(t *testing.T, store module.BlobStore, key string) []byte {
	t.Helper()

	r, err := store.Open(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return content
}
