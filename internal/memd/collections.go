// Copyright 2025 Esteban Alvarez. All Rights Reserved.
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

package memd

import "fmt"

// MaxKeyBytes is the largest a document key may be on the wire (spec.md §3,
// Document identifier; testable property 12).
const MaxKeyBytes = 250

// isValidCollectionChar matches the character set a scope/collection name
// may use (couchbase/document_id.cxx's is_valid_collection_char): letters,
// digits, '_', '-', '%'.
func isValidCollectionChar(ch byte) bool {
	switch {
	case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		return true
	case ch == '_' || ch == '-' || ch == '%':
		return true
	default:
		return false
	}
}

// ValidateCollectionElement reports whether element is a legal scope or
// collection name component (non-empty, at most 251 bytes, restricted
// charset), matching is_valid_collection_element.
func ValidateCollectionElement(element string) bool {
	if len(element) == 0 || len(element) > 251 {
		return false
	}
	for i := 0; i < len(element); i++ {
		if !isValidCollectionChar(element[i]) {
			return false
		}
	}
	return true
}

// ValidateDocumentID checks the document-identifier invariants (spec.md
// §3/testable properties 12-13): scope and collection names use the
// restricted charset, and the raw key fits within MaxKeyBytes. The façade
// does not call it; Execute validates through DocumentID.Validate instead.
func ValidateDocumentID(scope, collection string, key []byte) error {
	if scope != "" && !ValidateCollectionElement(scope) {
		return fmt.Errorf("memd: invalid scope name %q", scope)
	}
	if collection != "" && !ValidateCollectionElement(collection) {
		return fmt.Errorf("memd: invalid collection name %q", collection)
	}
	if len(key) == 0 {
		return fmt.Errorf("memd: document key must not be empty")
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("memd: document key exceeds %d bytes (got %d)", MaxKeyBytes, len(key))
	}
	return nil
}

// EncodeCollectionUID renders uid as unsigned LEB128, matching the prefix a
// collections-enabled server expects before the raw document key
// (spec.md §3, Document identifier).
func EncodeCollectionUID(uid uint32) []byte {
	var out []byte
	for {
		b := byte(uid & 0x7f)
		uid >>= 7
		if uid != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

// WireKey prepends the LEB128 collection UID prefix to key when collections
// are enabled (uid is valid). When collectionsEnabled is false, key is
// returned unprefixed — the pre-collections wire format.
func WireKey(key []byte, uid uint32, collectionsEnabled bool) []byte {
	if !collectionsEnabled {
		return key
	}
	prefix := EncodeCollectionUID(uid)
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	out = append(out, key...)
	return out
}

// DecodeCollectionUID reads a LEB128-encoded collection UID prefix from the
// front of a wire key, returning the UID, the remaining (unprefixed) key, and
// the number of bytes consumed.
func DecodeCollectionUID(wireKey []byte) (uid uint32, rest []byte, consumed int) {
	var shift uint
	for i, b := range wireKey {
		uid |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return uid, wireKey[i+1:], i + 1
		}
		shift += 7
	}
	return 0, wireKey, 0
}
