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

// Package connstr parses the cbcore connection string (spec.md §6):
//
//	couchbase[s]://host[:port][,host…][?opt=val&…]
//
// Parsing itself is delegated to gocbconnstr.Parse, the same parser the
// retrieval pack's gocb clients use; this package's job is to translate the
// resulting ConnSpec's loosely-typed option map into the strongly-typed
// Options cbcore's façade actually consumes (grounded on the fetchOption
// closure and per-option strconv parsing in
// other_examples/693dae8c_brett19-gocb__cluster.go.go's
// parseExtraConnStrOptions and Connect).
package connstr

import (
	"fmt"
	"strconv"
	"time"

	"github.com/couchbaselabs/gocbconnstr"
)

// Options is the parsed, typed form of a connection string (spec.md §6).
type Options struct {
	// UseTLS is true for a "couchbases://" scheme.
	UseTLS bool
	// Hosts is host[:port] for every seed named in the connection string.
	// A host with no explicit port uses DefaultKVPort (for TLS,
	// DefaultKVTLSPort).
	Hosts []string
	// Bucket is the bucket name path segment, if the connection string names
	// one directly (e.g. "couchbase://host/travel-sample").
	Bucket string

	Network                      string
	SSLNoVerify                  bool
	TrustCertificate             string
	EnableMutationTokens         bool
	EnableTLS                    bool
	EnableClustermapNotification bool
	KVConnectTimeout             time.Duration
}

// DefaultKVPort and DefaultKVTLSPort are used for a host with no explicit
// port (spec.md §6).
const (
	DefaultKVPort    = 11210
	DefaultKVTLSPort = 11207
)

// Parse parses connStr into Options, applying the same defaults the
// retrieval pack's gocb clients apply when an option is absent.
func Parse(connStr string) (Options, error) {
	spec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return Options{}, fmt.Errorf("connstr: %w", err)
	}

	useTLS := spec.Scheme == "couchbases"
	defaultPort := DefaultKVPort
	if useTLS {
		defaultPort = DefaultKVTLSPort
	}

	hosts := make([]string, 0, len(spec.Addresses))
	for _, addr := range spec.Addresses {
		port := addr.Port
		if port <= 0 {
			port = defaultPort
		}
		hosts = append(hosts, fmt.Sprintf("%s:%d", addr.Host, port))
	}
	if len(hosts) == 0 {
		return Options{}, fmt.Errorf("connstr: no hosts in connection string %q", connStr)
	}

	opts := Options{
		UseTLS:       useTLS,
		Hosts:        hosts,
		Bucket:       spec.Bucket,
		EnableTLS:    useTLS,
		EnableMutationTokens: true, // the corpus's default; enable_mutation_tokens=false opts out
		KVConnectTimeout:     7 * time.Second,
	}

	fetch := func(name string) (string, bool) {
		vals := spec.Options[name]
		if len(vals) == 0 {
			return "", false
		}
		return vals[len(vals)-1], true
	}

	if v, ok := fetch("network"); ok {
		opts.Network = v
	}
	if v, ok := fetch("ssl"); ok && v == "no_verify" {
		opts.SSLNoVerify = true
	}
	if v, ok := fetch("trust_certificate"); ok {
		opts.TrustCertificate = v
	}
	if v, ok := fetch("enable_mutation_tokens"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("connstr: enable_mutation_tokens must be a boolean: %w", err)
		}
		opts.EnableMutationTokens = b
	}
	if v, ok := fetch("enable_tls"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("connstr: enable_tls must be a boolean: %w", err)
		}
		opts.EnableTLS = b
		opts.UseTLS = opts.UseTLS || b
	}
	if v, ok := fetch("enable_clustermap_notification"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("connstr: enable_clustermap_notification must be a boolean: %w", err)
		}
		opts.EnableClustermapNotification = b
	} else {
		opts.EnableClustermapNotification = true
	}
	if v, ok := fetch("kv_connect_timeout"); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Options{}, fmt.Errorf("connstr: kv_connect_timeout must be a number of milliseconds: %w", err)
		}
		opts.KVConnectTimeout = time.Duration(ms) * time.Millisecond
	}

	return opts, nil
}
