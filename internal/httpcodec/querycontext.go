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

package httpcodec

import "fmt"

// QueryContextOptions names the two ways a caller can scope a N1QL query to
// a non-default scope.
type QueryContextOptions struct {
	// ScopeQualifier, if set, is used verbatim as the query_context value
	// (e.g. "default:`travel-sample`.`inventory`").
	ScopeQualifier string
	BucketName     string
	ScopeName      string
}

// BuildQueryContext resolves opts to the query_context string the N1QL
// service expects, or "" if neither a qualifier nor a (bucket, scope) pair
// was supplied. When both are set, ScopeQualifier wins: an explicit
// qualifier is the more specific instruction, the precedence
// original_source gives it (recorded as an Open Question decision).
func BuildQueryContext(opts QueryContextOptions) string {
	if opts.ScopeQualifier != "" {
		return opts.ScopeQualifier
	}
	if opts.BucketName != "" && opts.ScopeName != "" {
		return fmt.Sprintf("default:`%s`.`%s`", opts.BucketName, opts.ScopeName)
	}
	return ""
}
