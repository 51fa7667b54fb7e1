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

// Package cbcore is the hard core of a client library for a distributed
// document-oriented database cluster: a cluster session manager, a
// topology/vbucket router, a key-value binary protocol engine, durability
// enforcement, and a retry/timeout orchestrator. The public ergonomic
// surface (builder structs, option objects, future-returning convenience
// wrappers) and per-operation command families are explicitly out of scope;
// this package exposes a single Execute entry point and consumes opaque
// per-command encoder/decoder objects.
package cbcore

import (
	"fmt"
	"regexp"
)

// DefaultScopeName and DefaultCollectionName are the implicit namespace used
// when a caller does not specify one (spec.md §3).
const (
	DefaultScopeName      = "_default"
	DefaultCollectionName = "_default"
	// MaxKeyLen is the largest permitted document key, in bytes.
	MaxKeyLen = 250
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-%][A-Za-z0-9_\-%]*$`)

// DocumentID identifies a document within a bucket's scope/collection
// namespace (spec.md §3).
type DocumentID struct {
	Bucket     string
	Scope      string
	Collection string
	Key        []byte
}

// Normalize fills in default scope/collection names when unset. Callers
// should call Normalize before Validate.
func (id DocumentID) Normalize() DocumentID {
	if id.Scope == "" {
		id.Scope = DefaultScopeName
	}
	if id.Collection == "" {
		id.Collection = DefaultCollectionName
	}
	return id
}

// Validate enforces the boundary checks spec.md §8 properties 12-13 require
// before a request is ever handed to a connection: key length and
// collection-name charset. It does not resolve the collection UID — that is
// the router's job (internal/topology), and an unresolved non-default
// collection is reported separately via ErrCollectionUIDUnresolved.
func (id DocumentID) Validate() error {
	if len(id.Key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if len(id.Key) > MaxKeyLen {
		return fmt.Errorf("%w: key length %d exceeds %d bytes", ErrInvalidArgument, len(id.Key), MaxKeyLen)
	}
	collection := id.Collection
	if collection == "" {
		collection = DefaultCollectionName
	}
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("%w: collection name %q contains characters outside [A-Za-z0-9_-%%]", ErrInvalidArgument, collection)
	}
	return nil
}

// Cas is an opaque compare-and-swap value. Zero means "unset"; comparison is
// bit-exact (spec.md §3).
type Cas uint64

// MutationToken is returned by every successful mutation (spec.md §3). It
// feeds consistency scans and durability polling.
type MutationToken struct {
	BucketName    string
	PartitionID   uint16
	PartitionUUID uint64
	SequenceNo    uint64
}

// IsZero reports whether a token was never populated (e.g. a read returned no
// token).
func (t MutationToken) IsZero() bool {
	return t == MutationToken{}
}

// DurabilityLevel is the server-side synchronous write quorum requirement
// (spec.md §6, Configuration inputs).
type DurabilityLevel uint8

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersistToActive
	DurabilityPersistToMajority
)

// DurabilityRequirement carries either a synchronous DurabilityLevel or a
// legacy persist_to/replicate_to pair — never both, per spec.md §6.
type DurabilityRequirement struct {
	Level       DurabilityLevel
	PersistTo   int
	ReplicateTo int
}

// IsLegacy reports whether this requirement should be enforced by the
// observe-poll path (internal/durability) rather than synchronous durability.
func (d DurabilityRequirement) IsLegacy() bool {
	return d.Level == DurabilityNone && (d.PersistTo > 0 || d.ReplicateTo > 0)
}

// IsEmpty reports whether no durability was requested at all.
func (d DurabilityRequirement) IsEmpty() bool {
	return d.Level == DurabilityNone && d.PersistTo == 0 && d.ReplicateTo == 0
}
