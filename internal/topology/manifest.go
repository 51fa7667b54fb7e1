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

package topology

import "fmt"

// ScopeManifest is one scope's entry in the collection manifest: its own UID
// and the UIDs of the collections it contains (spec.md §3, Collection
// manifest).
type ScopeManifest struct {
	UID         uint32
	Collections map[string]uint32
}

// Manifest is the bucket-wide scope/collection namespace. Version increases
// monotonically; a stale manifest (lower Version than a server response
// expects) should trigger a re-fetch by the caller.
type Manifest struct {
	Version uint64
	Scopes  map[string]ScopeManifest
}

// ErrCollectionUIDUnresolved is returned by ResolveCollection when the named
// scope/collection pair is not present in the manifest — spec.md §3's
// invariant that a non-default collection with no resolved UID is an error
// before dispatch.
type ErrCollectionUIDUnresolved struct {
	Scope      string
	Collection string
}

func (e *ErrCollectionUIDUnresolved) Error() string {
	return fmt.Sprintf("topology: collection %q.%q has no resolved UID", e.Scope, e.Collection)
}

// ResolveCollection looks up a collection's 32-bit UID. The default
// scope/collection always resolves to UID 0 even with a nil manifest, since
// that is the implicit, always-present collection.
func (m *Manifest) ResolveCollection(scope, collection string) (uint32, error) {
	if scope == "" {
		scope = "_default"
	}
	if collection == "" {
		collection = "_default"
	}
	if scope == "_default" && collection == "_default" {
		if m == nil {
			return 0, nil
		}
		if sm, ok := m.Scopes[scope]; ok {
			if uid, ok := sm.Collections[collection]; ok {
				return uid, nil
			}
		}
		return 0, nil
	}
	if m == nil {
		return 0, &ErrCollectionUIDUnresolved{Scope: scope, Collection: collection}
	}
	sm, ok := m.Scopes[scope]
	if !ok {
		return 0, &ErrCollectionUIDUnresolved{Scope: scope, Collection: collection}
	}
	uid, ok := sm.Collections[collection]
	if !ok {
		return 0, &ErrCollectionUIDUnresolved{Scope: scope, Collection: collection}
	}
	return uid, nil
}
