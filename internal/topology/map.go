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

// Package topology maintains the authoritative cluster map (nodes, services,
// vbucket-to-node assignment with replicas, collection manifest) and answers
// "which connection should carry this request?" (spec.md §4.D). Every
// exported function on Map is pure: it reads an immutable snapshot and
// never mutates shared state.
package topology

import (
	"encoding/json"
	"fmt"
)

// ServiceKind identifies one of the cluster's HTTP-class services, plus the
// KV binary-protocol service itself.
type ServiceKind int

const (
	ServiceKV ServiceKind = iota
	ServiceQuery
	ServiceSearch
	ServiceAnalytics
	ServiceViews
	ServiceManagement
)

// Node is one member of the cluster map, carrying a host and the port for
// every service it offers. A zero port means the node does not run that
// service.
type Node struct {
	Hostname string
	Ports    map[ServiceKind]int
}

// Endpoint is a dispatchable (host, port) pair for one service.
type Endpoint struct {
	Host string
	Port int
}

// Map is an immutable cluster-map snapshot (spec.md §3, Cluster map). Once
// constructed it is never mutated; a new topology change produces a new Map
// that replaces the old one atomically (see Installer in installer.go).
type Map struct {
	RevEpoch               int64
	Rev                    int64
	Nodes                  []Node
	VbucketMap             [][]int // VbucketMap[vb] = []nodeIndex, len = numReplicas+1, index 0 = active
	NumReplicas            int
	BucketCapabilities     []string
	CollectionsManifestUID uint64
	Manifest               *Manifest
}

// NewerThan implements the tie-break rule from spec.md §4.D: highest
// (rev_epoch, rev) wins.
func (m *Map) NewerThan(other *Map) bool {
	if other == nil {
		return true
	}
	if m.RevEpoch != other.RevEpoch {
		return m.RevEpoch > other.RevEpoch
	}
	return m.Rev > other.Rev
}

// HasCapability reports whether the bucket advertises a named capability
// (e.g. "durableWrite" for synchronous durability support).
func (m *Map) HasCapability(name string) bool {
	for _, c := range m.BucketCapabilities {
		if c == name {
			return true
		}
	}
	return false
}

// --- CCCP / cluster-map JSON parsing (spec.md §4.C) ---

type cccpDoc struct {
	Rev                    json.RawMessage `json:"rev"`
	RevEpoch               int64           `json:"revEpoch"`
	BucketCapabilities     []string        `json:"bucketCapabilities"`
	VBucketServerMap       vbucketDoc      `json:"vBucketServerMap"`
	NodesExt               []nodeExt       `json:"nodesExt"`
	CollectionsManifestUID string          `json:"collectionsManifestUid"`
}

type vbucketDoc struct {
	NumReplicas int     `json:"numReplicas"`
	ServerList  []string `json:"serverList"`
	VBucketMap  [][]int `json:"vBucketMap"`
}

type nodeExt struct {
	Hostname string            `json:"hostname"`
	Services map[string]int    `json:"services"`
}

var serviceJSONNames = map[string]ServiceKind{
	"kv":   ServiceKV,
	"n1ql": ServiceQuery,
	"fts":  ServiceSearch,
	"cbas": ServiceAnalytics,
	"capi": ServiceViews,
	"mgmt": ServiceManagement,
}

// ParseCCCP parses a cluster-map-notify / GET_CLUSTER_CONFIG JSON payload
// into a Map, per the field names spec.md §4.C documents. rev is parsed as a
// base-10 integer; some server versions encode it as a JSON string.
func ParseCCCP(data []byte) (*Map, error) {
	var doc cccpDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("topology: parsing cluster map: %w", err)
	}

	rev, err := parseRev(doc.Rev)
	if err != nil {
		return nil, fmt.Errorf("topology: parsing rev %q: %w", string(doc.Rev), err)
	}

	nodes := make([]Node, len(doc.NodesExt))
	for i, ne := range doc.NodesExt {
		ports := make(map[ServiceKind]int, len(ne.Services))
		for name, port := range ne.Services {
			if kind, ok := serviceJSONNames[name]; ok {
				ports[kind] = port
			}
		}
		nodes[i] = Node{Hostname: ne.Hostname, Ports: ports}
	}

	m := &Map{
		RevEpoch:           doc.RevEpoch,
		Rev:                rev,
		Nodes:              nodes,
		VbucketMap:         doc.VBucketServerMap.VBucketMap,
		NumReplicas:        doc.VBucketServerMap.NumReplicas,
		BucketCapabilities: doc.BucketCapabilities,
	}
	if doc.CollectionsManifestUID != "" {
		uid, err := parseHexUint64(doc.CollectionsManifestUID)
		if err != nil {
			return nil, fmt.Errorf("topology: parsing collectionsManifestUid %q: %w", doc.CollectionsManifestUID, err)
		}
		m.CollectionsManifestUID = uid
	}
	return m, nil
}

func parseRev(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return 0, nil
		}
		var n int64
		_, err := fmt.Sscanf(asString, "%d", &n)
		return n, err
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func parseHexUint64(s string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(s, "%x", &n)
	return n, err
}
