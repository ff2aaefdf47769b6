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

// Package blob persists opaque byte payloads under a single base directory.
// Every write is atomic (write-temp-then-rename), hashed on the way in, and
// accompanied by a .meta sidecar carrying hash, size and write timestamp.
package blob

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/firma-sign/go-firma-sign/core/types"
	"github.com/firma-sign/go-firma-sign/errs"
)

// MetaSuffix is appended to a blob's name to form its sidecar path.
const MetaSuffix = ".meta"

// Meta is the sidecar record written next to every blob.
type Meta struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// SaveResult reports the outcome of a completed save.
type SaveResult struct {
	Path string
	Size int64
	Hash string
}

// Entry is one listing element. Sidecars are never listed.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// Usage summarises the store's footprint.
type Usage struct {
	Used  int64
	Files int
	Dirs  int
}

// Store is a filesystem-backed blob store rooted at a base directory. The
// base is assumed to have no external concurrent writer.
type Store struct {
	base        string
	maxFileSize int64
	logger      *log.Entry
}

// New opens (creating if needed) a store rooted at base. maxFileSize of zero
// means unlimited.
func New(base string, maxFileSize int64) (*Store, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidConfig, "blob.New", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "blob.New", err)
	}
	return &Store{
		base:        abs,
		maxFileSize: maxFileSize,
		logger:      log.WithField("component", "blobstore"),
	}, nil
}

// MaxFileSize is the store's size capability. Zero means unlimited.
func (s *Store) MaxFileSize() int64 { return s.maxFileSize }

// TransferPath builds the canonical blob path for a document.
func TransferPath(direction types.Direction, transferID string, slot types.BlobSlot, fileName string) string {
	return path.Join("transfers", string(direction), transferID, string(slot), fileName)
}

// TransferRoot is the directory holding every blob of one transfer.
func TransferRoot(direction types.Direction, transferID string) string {
	return path.Join("transfers", string(direction), transferID)
}

// TempPath builds a scratch path outside the transfer tree.
func TempPath(tempID string) string {
	return path.Join("temp", tempID)
}

// resolve normalizes p and confines it to the base directory. Traversal
// attempts fail with PermissionDenied.
func (s *Store) resolve(p string) (string, error) {
	if p == "" {
		return "", errs.New(errs.PermissionDenied, "blob.resolve", "empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.PermissionDenied, "blob.resolve", "path %q escapes store root", p)
	}
	full := filepath.Join(s.base, clean)
	if full != s.base && !strings.HasPrefix(full, s.base+string(filepath.Separator)) {
		return "", errs.New(errs.PermissionDenied, "blob.resolve", "path %q escapes store root", p)
	}
	return full, nil
}

// Save writes data at p atomically, returning its size and SHA-256 hash.
func (s *Store) Save(p string, data []byte) (*SaveResult, error) {
	if s.maxFileSize > 0 && int64(len(data)) > s.maxFileSize {
		return nil, errs.New(errs.FileTooLarge, "blob.Save",
			"%s exceeds cap %s", humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(s.maxFileSize)))
	}
	return s.SaveStream(p, bytes.NewReader(data))
}

// SaveStream streams r into p atomically. The write fails with FileTooLarge
// the instant the accumulated size exceeds the cap; no partial blob is kept.
func (s *Store) SaveStream(p string, r io.Reader) (*SaveResult, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return nil, classify("blob.SaveStream", err)
	}
	tmp := full + ".tmp-" + randSuffix()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, classify("blob.SaveStream", err)
	}
	h := sha256.New()
	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if s.maxFileSize > 0 && written > s.maxFileSize {
				f.Close()
				os.Remove(tmp)
				return nil, errs.New(errs.FileTooLarge, "blob.SaveStream",
					"stream exceeds cap %s", humanize.IBytes(uint64(s.maxFileSize)))
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return nil, classify("blob.SaveStream", werr)
			}
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return nil, classify("blob.SaveStream", rerr)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, classify("blob.SaveStream", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, classify("blob.SaveStream", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return nil, classify("blob.SaveStream", err)
	}
	res := &SaveResult{Path: p, Size: written, Hash: hex.EncodeToString(h.Sum(nil))}
	if err := s.writeMeta(full, res); err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{
		"path": p,
		"size": humanize.IBytes(uint64(written)),
		"hash": res.Hash[:8],
	}).Debug("blob saved")
	return res, nil
}

func (s *Store) writeMeta(full string, res *SaveResult) error {
	meta := Meta{Hash: res.Hash, Size: res.Size, Timestamp: time.Now().UnixMilli()}
	raw, err := json.Marshal(&meta)
	if err != nil {
		return errs.Wrap(errs.OperationFailed, "blob.writeMeta", err)
	}
	if err := os.WriteFile(full+MetaSuffix, raw, 0600); err != nil {
		return classify("blob.writeMeta", err)
	}
	return nil
}

// ReadMeta loads the sidecar for p.
func (s *Store) ReadMeta(p string) (*Meta, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full + MetaSuffix)
	if err != nil {
		return nil, classify("blob.ReadMeta", err)
	}
	meta := new(Meta)
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, errs.Wrap(errs.OperationFailed, "blob.ReadMeta", err)
	}
	return meta, nil
}

// Read returns the full contents of the blob at p.
func (s *Store) Read(p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, classify("blob.Read", err)
	}
	return data, nil
}

// OpenStream opens the blob at p for reading.
func (s *Store) OpenStream(p string) (io.ReadCloser, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, classify("blob.OpenStream", err)
	}
	return f, nil
}

// Exists reports whether a blob (not a directory) exists at p.
func (s *Store) Exists(p string) bool {
	full, err := s.resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// Delete removes the blob at p together with its sidecar.
func (s *Store) Delete(p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return classify("blob.Delete", err)
	}
	os.Remove(full + MetaSuffix) // best effort
	return nil
}

// DeleteTree removes everything under prefix. Used by the coordinator for
// transfer purges only.
func (s *Store) DeleteTree(prefix string) error {
	full, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return classify("blob.DeleteTree", err)
	}
	return nil
}

// List returns the entries directly under prefix, excluding .meta sidecars.
func (s *Store) List(prefix string) ([]Entry, error) {
	full, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, classify("blob.List", err)
	}
	var entries []Entry
	for _, de := range dirents {
		if strings.HasSuffix(de.Name(), MetaSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), Size: info.Size(), IsDir: de.IsDir()})
	}
	return entries, nil
}

// CreateDir makes a directory (and parents) under the base.
func (s *Store) CreateDir(p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0700); err != nil {
		return classify("blob.CreateDir", err)
	}
	return nil
}

// Usage walks the store and reports bytes used plus file and directory
// counts. Sidecars count toward bytes but not toward the file count.
func (s *Store) Usage() (*Usage, error) {
	usage := new(Usage)
	err := filepath.WalkDir(s.base, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.base {
			return nil
		}
		if de.IsDir() {
			usage.Dirs++
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		usage.Used += info.Size()
		if !strings.HasSuffix(de.Name(), MetaSuffix) {
			usage.Files++
		}
		return nil
	})
	if err != nil {
		return nil, classify("blob.Usage", err)
	}
	return usage, nil
}

// classify translates filesystem faults into the shared taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errs.Wrap(errs.NotFound, op, err)
	case errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.PermissionDenied, op, err)
	case errors.Is(err, syscall.ENOSPC):
		return errs.Wrap(errs.QuotaExceeded, op, err)
	default:
		return errs.Wrap(errs.OperationFailed, op, err)
	}
}

func randSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
