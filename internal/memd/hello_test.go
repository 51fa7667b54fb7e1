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

import "testing"

func Test_HelloFeatures_RoundTrip(t *testing.T) {
	want := DefaultFeatures()
	buf := EncodeHelloFeatures(want)
	got := DecodeHelloFeatures(buf)
	if len(got) != len(want) {
		t.Fatalf("got %d features, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("feature[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func Test_HasFeature(t *testing.T) {
	granted := []Feature{FeatureJSON, FeatureDuplex}
	if !HasFeature(granted, FeatureJSON) {
		t.Fatal("expected FeatureJSON to be present")
	}
	if HasFeature(granted, FeatureCollections) {
		t.Fatal("did not expect FeatureCollections to be present")
	}
}

func Test_PreserveExpiryFrame_IsZeroLength(t *testing.T) {
	f := EncodePreserveExpiryFrame()
	if len(f) != 1 {
		t.Fatalf("expected 1-byte TLV header with no payload, got %d bytes", len(f))
	}
	if f[0]&0x0f != 0 {
		t.Fatalf("expected zero-length payload nibble, got %#x", f[0])
	}
}

func Test_DurabilityFrame_WithTimeout(t *testing.T) {
	f := EncodeDurabilityFrame(DurabilityPersistToMajority, 2500)
	level, timeout, ok := DecodeDurabilityFrame(f)
	if !ok {
		t.Fatal("expected durability frame to decode")
	}
	if level != DurabilityPersistToMajority {
		t.Fatalf("level = %v, want DurabilityPersistToMajority", level)
	}
	if timeout != 2500 {
		t.Fatalf("timeout = %d, want 2500", timeout)
	}
}

func Test_DurabilityFrame_None_IsOmitted(t *testing.T) {
	if f := EncodeDurabilityFrame(DurabilityNone, 0); f != nil {
		t.Fatalf("expected nil frame for DurabilityNone, got %v", f)
	}
}
