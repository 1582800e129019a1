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

package s3

import (
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/storage/blob"
	"github.com/ternmail/tern/internal/testutils"
)

func TestS3(t *testing.T) {
	var ts *httptest.Server

	blob.TestStore(t, func() module.BlobStore {
		backend := s3mem.New()
		faker := gofakes3.New(backend)
		ts = httptest.NewServer(faker.Server())

		if err := backend.CreateBucket("tern-test"); err != nil {
			t.Fatal(err)
		}

		st := &Store{instName: "test", log: testutils.Logger(t, "s3")}
		err := st.Init(config.NewMap(map[string]interface{}{}, config.Node{
			Children: []config.Node{
				{Name: "endpoint", Args: []string{ts.Listener.Addr().String()}},
				{Name: "secure", Args: []string{"false"}},
				{Name: "access_key", Args: []string{"access-key"}},
				{Name: "secret_key", Args: []string{"secret-key"}},
				{Name: "bucket", Args: []string{"tern-test"}},
			},
		}))
		if err != nil {
			t.Fatal(err)
		}
		return st
	}, func(module.BlobStore) {
		ts.Close()
	})
}
