//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/couchbaselabs/morse/base"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EncryptionAlgorithm selects how blob files are encrypted at rest.
type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionAES256
)

const aes256KeySize = 32

type Options struct {
	Create              bool // create the directory if it doesn't exist
	ReadOnly            bool
	EncryptionAlgorithm EncryptionAlgorithm
	EncryptionKey       []byte
}

// BlobStore manages a directory of content-addressed blob files.
// It is safe for concurrent use: installs are atomic renames to
// content-addressed names, so a racing install of the same key writes
// identical content.
type BlobStore struct {
	dir     string
	options Options
}

// OpenStore opens (creating if requested) a blob store directory.
func OpenStore(dir string, options *Options) (*BlobStore, error) {
	opts := Options{}
	if options != nil {
		opts = *options
	}
	if opts.EncryptionAlgorithm == EncryptionAES256 && len(opts.EncryptionKey) != aes256KeySize {
		return nil, base.MorseErrorf(base.InternalDomain, base.ErrUnsupportedEncryption,
			"AES-256 requires a %d-byte key", aes256KeySize)
	}
	if opts.Create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating blob store")
		}
	} else if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrap(err, "opening blob store")
	}
	return &BlobStore{dir: dir, options: opts}, nil
}

func (store *BlobStore) Dir() string { return store.dir }

func (store *BlobStore) IsEncrypted() bool {
	return store.options.EncryptionAlgorithm != EncryptionNone
}

// Get returns a handle to the blob with the given key. The blob may not exist.
func (store *BlobStore) Get(key Key) *Blob {
	return &Blob{
		key:   key,
		path:  filepath.Join(store.dir, key.Filename()),
		store: store,
	}
}

func (store *BlobStore) Has(key Key) bool {
	return store.Get(key).Exists()
}

// Put writes data through a write stream and installs it in one call.
func (store *BlobStore) Put(data []byte, expectedKey *Key) (*Blob, error) {
	writer, err := store.NewWriteStream()
	if err != nil {
		return nil, err
	}
	if err := writer.Write(data); err != nil {
		writer.Cancel()
		return nil, err
	}
	return writer.Install(expectedKey)
}

// Count returns the number of blobs in the store.
func (store *BlobStore) Count() (uint64, error) {
	var count uint64
	err := store.forEachBlobFile(func(Key, os.DirEntry) error {
		count++
		return nil
	})
	return count, err
}

// TotalSize returns the summed on-disk size of all blobs.
func (store *BlobStore) TotalSize() (uint64, error) {
	var total uint64
	err := store.forEachBlobFile(func(_ Key, entry os.DirEntry) error {
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

// DeleteAllExcept deletes every blob whose key is not in inUse. Files whose
// names don't parse as blob keys are left alone.
func (store *BlobStore) DeleteAllExcept(inUse map[Key]struct{}) error {
	return store.forEachBlobFile(func(key Key, entry os.DirEntry) error {
		if _, used := inUse[key]; !used {
			base.Debugf(base.KeyBlob, "GC deleting blob %s", key.DigestString())
			return os.Remove(filepath.Join(store.dir, entry.Name()))
		}
		return nil
	})
}

func (store *BlobStore) forEachBlobFile(callback func(Key, os.DirEntry) error) error {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := KeyFromFilename(entry.Name())
		if !ok {
			continue
		}
		if err := callback(key, entry); err != nil {
			return err
		}
	}
	return nil
}

//////// BLOB:

// Blob is a handle to one (possibly absent) stored blob.
type Blob struct {
	key   Key
	path  string
	store *BlobStore
}

func (blob *Blob) Key() Key { return blob.key }
func (blob *Blob) Path() string { return blob.path }

func (blob *Blob) Exists() bool {
	_, err := os.Stat(blob.path)
	return err == nil
}

// ContentLength returns the file size: an overestimate when encryption adds
// its header.
func (blob *Blob) ContentLength() (int64, error) {
	info, err := os.Stat(blob.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Read opens a streaming reader over the decrypted blob contents.
func (blob *Blob) Read() (io.ReadCloser, error) {
	file, err := os.Open(blob.path)
	if err != nil {
		return nil, err
	}
	if !blob.store.IsEncrypted() {
		return file, nil
	}
	stream, err := newCipherStream(blob.store.options.EncryptionKey, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &cipherReader{file: file, stream: stream}, nil
}

// Contents reads the whole blob into memory.
func (blob *Blob) Contents() ([]byte, error) {
	reader, err := blob.Read()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (blob *Blob) Delete() error {
	return os.Remove(blob.path)
}

//////// WRITE STREAM:

// WriteStream builds a new blob in a temp file, computing its key
// incrementally. Install renames it into place under its content address.
type WriteStream struct {
	store       *BlobStore
	tmpPath     string
	file        *os.File
	writer      io.Writer // file, or encryptor over file
	digester    hash.Hash // SHA-1 over the plaintext
	key         Key
	computedKey bool
	installed   bool
}

// NewWriteStream creates a temp file in the store directory and returns a
// stream writing to it.
func (store *BlobStore) NewWriteStream() (*WriteStream, error) {
	if store.options.ReadOnly {
		return nil, base.MorseErrorf(base.POSIXDomain, 0, "blob store is read-only")
	}
	tmpPath := filepath.Join(store.dir, "incoming_"+uuid.NewString())
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "creating blob temp file")
	}
	stream := &WriteStream{
		store:    store,
		tmpPath:  tmpPath,
		file:     file,
		writer:   file,
		digester: sha1.New(),
	}
	if store.IsEncrypted() {
		encryptor, err := newEncryptingWriter(store.options.EncryptionKey, file)
		if err != nil {
			stream.Cancel()
			return nil, err
		}
		stream.writer = encryptor
	}
	return stream, nil
}

// Write appends data. The digest is of the plaintext, so a round trip through
// an encrypted store still verifies against the same key.
func (stream *WriteStream) Write(data []byte) error {
	if stream.computedKey {
		return base.MorseErrorf(base.InternalDomain, base.ErrAssertionFailed,
			"blob write stream already finalized")
	}
	stream.digester.Write(data)
	_, err := stream.writer.Write(data)
	return err
}

// ComputeKey finalizes the digest. No more writes are accepted afterwards.
func (stream *WriteStream) ComputeKey() Key {
	if !stream.computedKey {
		copy(stream.key[:], stream.digester.Sum(nil))
		stream.computedKey = true
	}
	return stream.key
}

// Install atomically adds the blob to the store under its computed key and
// returns a handle. If expectedKey is given and doesn't match, the temp file
// is discarded and a CorruptData error returned. Installing a key that
// already exists succeeds without replacing the file.
func (stream *WriteStream) Install(expectedKey *Key) (*Blob, error) {
	key := stream.ComputeKey()
	if expectedKey != nil && *expectedKey != key {
		stream.Cancel()
		return nil, base.MorseErrorf(base.InternalDomain, base.ErrCorruptData,
			"blob digest mismatch: expected %s, got %s", expectedKey.DigestString(), key.DigestString())
	}
	if err := stream.file.Close(); err != nil {
		stream.Cancel()
		return nil, err
	}

	blob := stream.store.Get(key)
	if blob.Exists() {
		// Same key means same content; keep the existing file.
		_ = os.Remove(stream.tmpPath)
		stream.installed = true
		return blob, nil
	}
	if err := os.Rename(stream.tmpPath, blob.path); err != nil {
		return nil, errors.Wrap(err, "installing blob")
	}
	stream.installed = true
	base.Debugf(base.KeyBlob, "Installed blob %s", key.DigestString())
	return blob, nil
}

// Cancel discards the temp file. Harmless after Install.
func (stream *WriteStream) Cancel() {
	if stream.file != nil {
		_ = stream.file.Close()
	}
	if !stream.installed {
		_ = os.Remove(stream.tmpPath)
	}
}

//////// ENCRYPTION:

// Encrypted blob files are AES-CTR: a random 16-byte IV header followed by
// the ciphertext.

func newEncryptingWriter(key []byte, file *os.File) (io.Writer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	if _, err := file.Write(iv); err != nil {
		return nil, err
	}
	return &cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: file}, nil
}

func newCipherStream(key []byte, file *os.File) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(file, iv); err != nil {
		return nil, base.MorseErrorf(base.InternalDomain, base.ErrCorruptData,
			"encrypted blob is missing its header")
	}
	return cipher.NewCTR(block, iv), nil
}

type cipherReader struct {
	file   *os.File
	stream cipher.Stream
}

func (r *cipherReader) Read(p []byte) (int, error) {
	n, err := r.file.Read(p)
	if n > 0 {
		r.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (r *cipherReader) Close() error {
	return r.file.Close()
}
