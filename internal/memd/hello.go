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

import "encoding/binary"

// Feature is a single HELLO feature code. The HELLO command negotiates
// client/server capability by exchanging a list of these as a uint16 array.
type Feature uint16

const (
	FeatureDatatype                     Feature = 0x01
	FeatureTLS                          Feature = 0x02
	FeatureTCPNoDelay                   Feature = 0x03
	FeatureMutationSeqNo                Feature = 0x04
	FeatureTCPDelay                     Feature = 0x05
	FeatureXattr                        Feature = 0x06
	FeatureXerror                       Feature = 0x07
	FeatureSelectBucket                 Feature = 0x08
	FeatureSnappy                       Feature = 0x0a
	FeatureJSON                         Feature = 0x0b
	FeatureDuplex                       Feature = 0x0c
	FeatureClustermapChangeNotification Feature = 0x0d
	FeatureUnorderedExecution           Feature = 0x0e
	FeatureAltRequests                  Feature = 0x10
	FeatureSyncReplication              Feature = 0x11
	FeatureCollections                  Feature = 0x12
	FeaturePreserveExpiry               Feature = 0x14
)

// EncodeHelloFeatures renders the requested feature list as the value
// section of a HELLO request.
func EncodeHelloFeatures(features []Feature) []byte {
	buf := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(buf[i*2:i*2+2], uint16(f))
	}
	return buf
}

// DecodeHelloFeatures parses the value section of a HELLO response: the
// subset of requested features the server actually granted.
func DecodeHelloFeatures(value []byte) []Feature {
	n := len(value) / 2
	out := make([]Feature, n)
	for i := 0; i < n; i++ {
		out[i] = Feature(binary.BigEndian.Uint16(value[i*2 : i*2+2]))
	}
	return out
}

// DefaultFeatures is the feature set a bucket session advertises on
// handshake (spec.md §4.B).
func DefaultFeatures() []Feature {
	return []Feature{
		FeatureDatatype,
		FeatureXerror,
		FeatureSelectBucket,
		FeatureJSON,
		FeatureDuplex,
		FeatureClustermapChangeNotification,
		FeatureUnorderedExecution,
		FeatureMutationSeqNo,
		FeatureAltRequests,
		FeatureSyncReplication,
		FeatureCollections,
		FeaturePreserveExpiry,
	}
}

// HasFeature reports whether granted contains f.
func HasFeature(granted []Feature, f Feature) bool {
	for _, g := range granted {
		if g == f {
			return true
		}
	}
	return false
}
