//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

// Package blob implements a content-addressed store of binary attachments:
// files named by the SHA-1 of their contents, with atomic install-by-rename,
// optional encryption, and reference-set garbage collection.
package blob

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// digestPrefix is the scheme tag on the printable digest form, matching the
// attachment digests that travel in sync metadata.
const digestPrefix = "sha1-"

// blobFileExtension is the suffix of every file in a blob store directory.
const blobFileExtension = ".blob"

// Key is the raw SHA-1 digest that uniquely identifies a blob.
type Key [sha1.Size]byte

// ComputeKey returns the key of a blob's contents.
func ComputeKey(data []byte) Key {
	return Key(sha1.Sum(data))
}

// HexString renders the key as lowercase hex.
func (key Key) HexString() string {
	return hex.EncodeToString(key[:])
}

// Base64String renders the key in standard base-64.
func (key Key) Base64String() string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DigestString renders the key in the "sha1-<base64>" form used in document
// attachment metadata and getAttachment messages.
func (key Key) DigestString() string {
	return digestPrefix + key.Base64String()
}

// Filename renders the key as the store filename: URL-safe base-64 plus the
// ".blob" extension.
func (key Key) Filename() string {
	return base64.URLEncoding.EncodeToString(key[:]) + blobFileExtension
}

// KeyFromDigestString parses a "sha1-<base64>" digest. The prefix is required.
func KeyFromDigestString(digest string) (Key, bool) {
	encoded, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return Key{}, false
	}
	return keyFromBase64(encoded, base64.StdEncoding)
}

// KeyFromFilename parses a store filename back into a key. Filenames that are
// not valid blob names return ok=false.
func KeyFromFilename(filename string) (Key, bool) {
	encoded, ok := strings.CutSuffix(filename, blobFileExtension)
	if !ok {
		return Key{}, false
	}
	return keyFromBase64(encoded, base64.URLEncoding)
}

func keyFromBase64(encoded string, encoding *base64.Encoding) (Key, bool) {
	decoded, err := encoding.DecodeString(encoded)
	if err != nil || len(decoded) != sha1.Size {
		return Key{}, false
	}
	var key Key
	copy(key[:], decoded)
	return key, true
}
