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

package connstr

import (
	"testing"
	"time"
)

func Test_Parse_PlainScheme_DefaultsToKVPort(t *testing.T) {
	opts, err := Parse("couchbase://10.0.0.1,10.0.0.2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.UseTLS {
		t.Fatal("expected UseTLS false for couchbase:// scheme")
	}
	want := []string{"10.0.0.1:11210", "10.0.0.2:11210"}
	if len(opts.Hosts) != len(want) {
		t.Fatalf("Hosts = %v, want %v", opts.Hosts, want)
	}
	for i, h := range want {
		if opts.Hosts[i] != h {
			t.Fatalf("Hosts[%d] = %q, want %q", i, opts.Hosts[i], h)
		}
	}
	if !opts.EnableMutationTokens {
		t.Fatal("expected enable_mutation_tokens to default true")
	}
	if !opts.EnableClustermapNotification {
		t.Fatal("expected enable_clustermap_notification to default true")
	}
}

func Test_Parse_SecureScheme_DefaultsToTLSPort(t *testing.T) {
	opts, err := Parse("couchbases://cluster.example.com")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !opts.UseTLS || !opts.EnableTLS {
		t.Fatal("expected UseTLS/EnableTLS true for couchbases:// scheme")
	}
	if opts.Hosts[0] != "cluster.example.com:11207" {
		t.Fatalf("Hosts[0] = %q", opts.Hosts[0])
	}
}

func Test_Parse_ExplicitPort(t *testing.T) {
	opts, err := Parse("couchbase://host1:12000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.Hosts[0] != "host1:12000" {
		t.Fatalf("Hosts[0] = %q, want host1:12000", opts.Hosts[0])
	}
}

func Test_Parse_BucketFromPath(t *testing.T) {
	opts, err := Parse("couchbase://host1/travel-sample")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.Bucket != "travel-sample" {
		t.Fatalf("Bucket = %q, want travel-sample", opts.Bucket)
	}
}

func Test_Parse_Options(t *testing.T) {
	opts, err := Parse("couchbase://host1?network=external&ssl=no_verify&trust_certificate=/etc/ca.pem" +
		"&enable_mutation_tokens=false&enable_clustermap_notification=false&kv_connect_timeout=5000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.Network != "external" {
		t.Fatalf("Network = %q", opts.Network)
	}
	if !opts.SSLNoVerify {
		t.Fatal("expected SSLNoVerify true")
	}
	if opts.TrustCertificate != "/etc/ca.pem" {
		t.Fatalf("TrustCertificate = %q", opts.TrustCertificate)
	}
	if opts.EnableMutationTokens {
		t.Fatal("expected EnableMutationTokens false")
	}
	if opts.EnableClustermapNotification {
		t.Fatal("expected EnableClustermapNotification false")
	}
	if opts.KVConnectTimeout != 5*time.Second {
		t.Fatalf("KVConnectTimeout = %v, want 5s", opts.KVConnectTimeout)
	}
}

func Test_Parse_InvalidBoolOption(t *testing.T) {
	if _, err := Parse("couchbase://host1?enable_tls=maybe"); err == nil {
		t.Fatal("expected error for non-boolean enable_tls")
	}
}

func Test_Parse_NoHosts(t *testing.T) {
	if _, err := Parse("couchbase://"); err == nil {
		t.Fatal("expected error for connection string with no hosts")
	}
}
