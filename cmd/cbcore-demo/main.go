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

// Package main provides the entry point for the cbcore demo application.
//
// This binary is a concrete, runnable demonstration of the core client
// library (the root `cbcore` package). It bootstraps a Cluster against a
// real (or test) cluster's connection string, opens one bucket, issues an
// upsert and a follow-up get through Execute, and prints the round trip —
// enough to exercise the session/topology/retry/durability stack end to end
// without pulling in the ergonomic SDK surface that sits outside this
// library's scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbcore"
	"cbcore/internal/connstr"
	"cbcore/internal/session"
	"cbcore/internal/telemetry"
	"cbcore/internal/topology"
)

func main() {
	// --- What this is ---
	// This demo opens one bucket against the connection string you give it,
	// upserts a small JSON document with majority durability, reads it back,
	// and exits. It exercises the same Execute path a long-running service
	// would use — topology-aware routing, not_my_vbucket re-routing, and the
	// retry/timeout orchestrator — just once instead of continuously.
	connStr := flag.String("conn_string", "couchbase://127.0.0.1", "Cluster connection string (couchbase[s]://host[:port][,host...])")
	bucketName := flag.String("bucket", "default", "Bucket to open")
	username := flag.String("username", "", "SASL PLAIN username (blank skips authentication)")
	password := flag.String("password", "", "SASL PLAIN password")
	opTimeout := flag.Duration("op_timeout", cbcore.DefaultKVTimeout, "Per-operation deadline for the demo's upsert/get")
	handshakeTimeout := flag.Duration("handshake_timeout", 10*time.Second, "Per-node HELLO/SASL/SELECT_BUCKET/GET_CLUSTER_CONFIG timeout")
	docKey := flag.String("key", "cbcore-demo-doc", "Document key to upsert and read back")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	flag.Parse()

	if *metricsAddr != "" {
		telemetry.Enable(true)
		telemetry.ServeStandalone(*metricsAddr)
		fmt.Printf("Metrics listening on %s/metrics\n", *metricsAddr)
	}

	opts, err := connstr.Parse(*connStr)
	if err != nil {
		log.Fatalf("parsing connection string %q: %v", *connStr, err)
	}

	cluster := cbcore.NewCluster(cbcore.ClusterConfig{
		Credentials: session.Credentials{
			Username: *username,
			Password: *password,
		},
		HandshakeTimeout: *handshakeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.KVConnectTimeout)
	if err := cluster.OpenBucket(ctx, *bucketName, opts.Hosts); err != nil {
		cancel()
		log.Fatalf("opening bucket %q: %v", *bucketName, err)
	}
	cancel()
	fmt.Printf("Bucket %q open against %v\n", *bucketName, opts.Hosts)

	cluster.WithBucketConfiguration(*bucketName, func(ec *cbcore.ErrorContext, snapshot *topology.Map) {
		if ec != nil {
			log.Printf("reading bucket configuration: %v", ec)
			return
		}
		fmt.Printf("Topology snapshot: rev=%d nodes=%d numReplicas=%d\n", snapshot.Rev, len(snapshot.Nodes), snapshot.NumReplicas)
	})

	runRoundTrip(cluster, *bucketName, *docKey, *opTimeout)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	fmt.Println("Demo round trip complete. Press Ctrl+C to exit (or wait, there's nothing else to do).")
	<-stop

	fmt.Println("\nShutting down...")
	cluster.Close()
	fmt.Println("Cluster closed.")
}

func runRoundTrip(cluster *cbcore.Cluster, bucket, key string, timeout time.Duration) {
	id := cbcore.DocumentID{Bucket: bucket, Key: []byte(key)}

	upsertDone := make(chan struct{})
	upsertCmd := &cbcore.UpsertCommand{
		Value: []byte(fmt.Sprintf(`{"greeting":"hello from cbcore-demo","at":%q}`, time.Now().Format(time.RFC3339))),
		Flags: 0,
	}
	cluster.Execute(cbcore.Request{
		ID:         id,
		Command:    upsertCmd,
		Durability: cbcore.DurabilityRequirement{Level: cbcore.DurabilityMajority},
		Deadline:   time.Now().Add(timeout),
	}, func(resp *cbcore.Response, ec *cbcore.ErrorContext) {
		defer close(upsertDone)
		if ec != nil {
			log.Printf("upsert failed: %v", ec)
			return
		}
		fmt.Printf("Upserted %q: cas=%d seqno=%d\n", key, resp.Cas, resp.MutationToken.SequenceNo)
	})
	<-upsertDone

	getDone := make(chan struct{})
	getCmd := &cbcore.GetCommand{}
	cluster.Execute(cbcore.Request{
		ID:       id,
		Command:  getCmd,
		Deadline: time.Now().Add(timeout),
	}, func(resp *cbcore.Response, ec *cbcore.ErrorContext) {
		defer close(getDone)
		if ec != nil {
			log.Printf("get failed: %v", ec)
			return
		}
		fmt.Printf("Read back %q: cas=%d value=%s\n", key, resp.Cas, getCmd.ResultValue)
	})
	<-getDone
}
