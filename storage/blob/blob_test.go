// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

package blob

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

func newTestStore(t *testing.T, cap int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), cap)
	require.NoError(t, err)
	return s
}

func TestSaveReadRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)
	p := TransferPath(types.DirectionOutgoing, "t1", types.SlotOriginal, "contract.pdf")

	res, err := s.Save(p, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Size)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", res.Hash)

	data, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)

	meta, err := s.ReadMeta(p)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, meta.Hash)
	assert.Equal(t, res.Size, meta.Size)
	assert.Greater(t, meta.Timestamp, int64(0))
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t, 0)
	p := "transfers/outgoing/t1/original/a.bin"
	_, err := s.Save(p, []byte("v1"))
	require.NoError(t, err)

	// No temp leftovers next to the blob.
	entries, err := os.ReadDir(filepath.Join(s.base, "transfers/outgoing/t1/original"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestStore(t, 0)
	for _, p := range []string{
		"../etc/passwd",
		"..",
		"/etc/passwd",
		"transfers/../../escape",
		"",
	} {
		_, err := s.Save(p, []byte("x"))
		assert.True(t, errs.IsKind(err, errs.PermissionDenied), "path %q", p)
	}
	// Nothing may exist outside the base.
	_, err := os.Stat(filepath.Join(filepath.Dir(s.base), "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestStreamCapEnforcedEarly(t *testing.T) {
	s := newTestStore(t, 16)

	_, err := s.SaveStream("temp/big", bytes.NewReader(bytes.Repeat([]byte("a"), 64)))
	require.True(t, errs.IsKind(err, errs.FileTooLarge))

	// The partial temp file must not be retained.
	entries, lerr := s.List("temp")
	require.NoError(t, lerr)
	assert.Empty(t, entries)
}

func TestListExcludesSidecars(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Save("transfers/incoming/t2/original/a.pdf", []byte("a"))
	require.NoError(t, err)
	_, err = s.Save("transfers/incoming/t2/original/b.pdf", []byte("b"))
	require.NoError(t, err)

	entries, err := s.List("transfers/incoming/t2/original")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotContains(t, e.Name, MetaSuffix)
	}
}

func TestDeleteTree(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Save(TransferPath(types.DirectionOutgoing, "t3", types.SlotOriginal, "a.pdf"), []byte("a"))
	require.NoError(t, err)
	_, err = s.Save(TransferPath(types.DirectionOutgoing, "t3", types.SlotSigned, "a.pdf"), []byte("a-signed"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteTree(TransferRoot(types.DirectionOutgoing, "t3")))
	assert.False(t, s.Exists(TransferPath(types.DirectionOutgoing, "t3", types.SlotOriginal, "a.pdf")))
	assert.False(t, s.Exists(TransferPath(types.DirectionOutgoing, "t3", types.SlotSigned, "a.pdf")))
}

func TestOpenStream(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Save("temp/x", []byte("stream me"))
	require.NoError(t, err)

	r, err := s.OpenStream("temp/x")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "stream me", string(data))

	_, err = s.OpenStream("temp/missing")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestUsage(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Save("transfers/outgoing/t4/original/a", bytes.Repeat([]byte("x"), 100))
	require.NoError(t, err)
	_, err = s.Save("transfers/outgoing/t4/original/b", bytes.Repeat([]byte("y"), 50))
	require.NoError(t, err)

	u, err := s.Usage()
	require.NoError(t, err)
	assert.Equal(t, 2, u.Files)
	assert.GreaterOrEqual(t, u.Used, int64(150))
	assert.Greater(t, u.Dirs, 0)
}
