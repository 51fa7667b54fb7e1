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

import (
	rendezvous "github.com/dgryski/go-rendezvous"
)

// ServiceAffinity picks a stable node, among those offering a given
// service, for a given affinity key (e.g. a query statement's text, or a
// client_context_id). It uses rendezvous (highest random weight) hashing so
// that adding or removing a node only remaps the keys that hashed to that
// node, instead of reshuffling the whole assignment the way a plain modulo
// selection would — the same problem this hashing scheme solves for a Redis
// client ring (spec.md SPEC_FULL.md, DOMAIN STACK).
//
// ServiceAffinity is rebuilt whenever the node set for a service changes; it
// holds no reference to the owning Map so it can be cached independently of
// topology installation.
type ServiceAffinity struct {
	hash   *rendezvous.Rendezvous
	byName map[string]Endpoint
}

// NewServiceAffinity builds an affinity picker over the given endpoints.
func NewServiceAffinity(endpoints []Endpoint) *ServiceAffinity {
	names := make([]string, len(endpoints))
	byName := make(map[string]Endpoint, len(endpoints))
	for i, ep := range endpoints {
		name := ep.Host + fmtPort(ep.Port)
		names[i] = name
		byName[name] = ep
	}
	return &ServiceAffinity{
		hash:   rendezvous.New(names, xxhashSeed),
		byName: byName,
	}
}

// Pick returns the endpoint a given key should affine to. Safe for
// concurrent use (the underlying library's Lookup is read-only over an
// immutable node list).
func (a *ServiceAffinity) Pick(key string) (Endpoint, bool) {
	if a == nil || len(a.byName) == 0 {
		return Endpoint{}, false
	}
	name := a.hash.Lookup(key)
	ep, ok := a.byName[name]
	return ep, ok
}

// xxhashSeed is the hash function go-rendezvous requires callers to supply;
// it needs only to be a fast, well-distributed string hash, not
// cryptographic. A hand-written 64-bit FNV-1a keeps this dependency-free.
func xxhashSeed(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func fmtPort(port int) string {
	if port == 0 {
		return ""
	}
	buf := [8]byte{}
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return ":" + string(buf[i:])
}
