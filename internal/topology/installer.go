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

import "sync/atomic"

// Installer holds the single current Map snapshot for a bucket and installs
// new ones atomically (spec.md §3: "Snapshots replace atomically; in-flight
// requests continue using the snapshot they resolved against"; §5:
// "Cluster-map installation is totally ordered by (rev_epoch, rev)").
//
// Installer never blocks a reader: Current loads the snapshot pointer with a
// single atomic read, so a request that captured a *Map before a newer one
// is installed keeps using its own reference — the old snapshot is released
// for GC once nothing holds it, with no explicit refcounting required in Go.
type Installer struct {
	current atomic.Pointer[Map]
}

// NewInstaller returns an Installer with no snapshot installed yet.
func NewInstaller() *Installer { return &Installer{} }

// Current returns the active snapshot, or nil if none has been installed.
func (in *Installer) Current() *Map {
	return in.current.Load()
}

// Install attempts to replace the current snapshot with next. It returns
// true if next was strictly newer (by (rev_epoch, rev)) and was installed;
// false if a concurrent, newer-or-equal install won the race or next was
// stale, in which case the installer is left unchanged.
//
// This loops on compare-and-swap so two racing installs (e.g. a
// cluster-map-notify push racing a not_my_vbucket-embedded map) resolve
// deterministically to whichever carries the higher (rev_epoch, rev),
// satisfying spec.md §8 property 6 (monotone installation) regardless of
// arrival order.
func (in *Installer) Install(next *Map) bool {
	for {
		cur := in.current.Load()
		if cur != nil && !next.NewerThan(cur) {
			return false
		}
		if in.current.CompareAndSwap(cur, next) {
			return true
		}
	}
}
