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

package retry

import "strings"

// Classification is the result of asking "is this retryable at all, and
// why" (spec.md §4.E step 1; §7 "Retry is applied uniformly by
// classification, never by per-call code").
type Classification struct {
	Retryable bool
	Reason    Reason
	// IdempotentOnly marks reasons that are only safe to retry across node
	// boundaries for idempotent operations (spec.md §4.E).
	IdempotentOnly bool
}

// ClassifyKVStatus maps a KV response status code to a retry classification.
// Values follow internal/memd's Status constants; this package avoids
// importing memd directly to keep retry classification reusable for the
// query path too, so the caller passes the raw numeric status.
func ClassifyKVStatus(status uint16) Classification {
	switch status {
	case 0x07: // not_my_vbucket
		return Classification{Retryable: true, Reason: ReasonNotMyVbucket}
	case 0x09: // locked
		return Classification{Retryable: true, Reason: ReasonKVLocked}
	case 0x86: // temporary_failure
		return Classification{Retryable: true, Reason: ReasonKVTemporaryFail}
	case 0xa2: // sync_write_in_progress
		return Classification{Retryable: true, Reason: ReasonKVSyncWriteInProg, IdempotentOnly: true}
	case 0x85: // busy
		return Classification{Retryable: true, Reason: ReasonNodeNotAvailable}
	default:
		return Classification{Retryable: false}
	}
}

// QueryErrorKind is returned by ClassifyQueryCode; it intentionally mirrors
// the subset of cbcore.ErrorKind relevant to the query service so this
// package has no import-cycle dependency on the root package.
type QueryErrorKind int

const (
	QueryErrKindOther QueryErrorKind = iota
	QueryErrKindInvalidArgument
	QueryErrKindUnambiguousTimeout
	QueryErrKindParsingFailure
	QueryErrKindPreparedStatementFailure
	QueryErrKindCasMismatch
	QueryErrKindDMLFailure
	QueryErrKindIndexNotFound
	QueryErrKindAuthenticationFailure
	QueryErrKindIndexFailure
	QueryErrKindPlanningFailure
)

// ClassifyQueryCode maps a numeric N1QL-style server error code to a query
// error kind, following the documented table in spec.md §7.
func ClassifyQueryCode(code int, message string) QueryErrorKind {
	switch {
	case code == 1065:
		return QueryErrKindInvalidArgument
	case code == 1080:
		return QueryErrKindUnambiguousTimeout
	case code == 3000:
		return QueryErrKindParsingFailure
	case code >= 4040 && code <= 4090:
		return QueryErrKindPreparedStatementFailure
	case code == 12009:
		if containsCasMismatch(message) {
			return QueryErrKindCasMismatch
		}
		return QueryErrKindDMLFailure
	case code == 12004 || code == 12016:
		return QueryErrKindIndexNotFound
	case code == 13014:
		return QueryErrKindAuthenticationFailure
	case (code >= 12000 && code <= 12999) || (code >= 14000 && code <= 14999):
		return QueryErrKindIndexFailure
	case code >= 4000 && code <= 4999:
		return QueryErrKindPlanningFailure
	default:
		return QueryErrKindOther
	}
}

func containsCasMismatch(message string) bool {
	return strings.Contains(message, "CAS mismatch")
}

// RetryableQueryCode reports whether a query error kind is one the
// orchestrator should resubmit (e.g. a prepared statement went stale).
func RetryableQueryCode(kind QueryErrorKind) bool {
	return kind == QueryErrKindPreparedStatementFailure
}
