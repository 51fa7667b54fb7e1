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

package cbcore

import (
	"errors"
	"fmt"

	"cbcore/internal/retry"
)

// ErrorKind is the closed set of error kinds spec.md §7 enumerates. No new
// kind may be introduced outside this list; a server/transport failure that
// doesn't map to one of these is reported as ErrorKindInternalServerFailure.
type ErrorKind int

const (
	// Common
	ErrorKindRequestCanceled ErrorKind = iota
	ErrorKindUnambiguousTimeout
	ErrorKindAmbiguousTimeout
	ErrorKindFeatureNotAvailable
	ErrorKindInvalidArgument
	ErrorKindServiceNotAvailable
	ErrorKindInternalServerFailure
	ErrorKindAuthenticationFailure
	ErrorKindBucketNotFound
	ErrorKindCollectionNotFound
	ErrorKindScopeNotFound
	ErrorKindIndexNotFound
	ErrorKindIndexExists
	ErrorKindParsingFailure
	ErrorKindCasMismatch
	ErrorKindTemporaryFailure

	// Key-value
	ErrorKindDocumentNotFound
	ErrorKindDocumentExists
	ErrorKindDocumentLocked
	ErrorKindValueTooLarge
	ErrorKindDurabilityLevelNotAvailable
	ErrorKindDurabilityImpossible
	ErrorKindDurabilityAmbiguous
	ErrorKindSyncWriteInProgress
	ErrorKindSyncWriteAmbiguous
	ErrorKindPathNotFound
	ErrorKindPathMismatch
	ErrorKindPathExists

	// Query
	ErrorKindPlanningFailure
	ErrorKindIndexFailure
	ErrorKindPreparedStatementFailure
	ErrorKindDMLFailure

	// Management (minimal; CRUD itself is out of scope)
	ErrorKindUserNotFound
	ErrorKindGroupNotFound
	ErrorKindBucketExists
	ErrorKindDataverseNotFound
)

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return "unknown_error_kind"
}

var errorKindNames = map[ErrorKind]string{
	ErrorKindRequestCanceled:             "request_canceled",
	ErrorKindUnambiguousTimeout:          "unambiguous_timeout",
	ErrorKindAmbiguousTimeout:            "ambiguous_timeout",
	ErrorKindFeatureNotAvailable:         "feature_not_available",
	ErrorKindInvalidArgument:             "invalid_argument",
	ErrorKindServiceNotAvailable:         "service_not_available",
	ErrorKindInternalServerFailure:       "internal_server_failure",
	ErrorKindAuthenticationFailure:       "authentication_failure",
	ErrorKindBucketNotFound:              "bucket_not_found",
	ErrorKindCollectionNotFound:          "collection_not_found",
	ErrorKindScopeNotFound:               "scope_not_found",
	ErrorKindIndexNotFound:               "index_not_found",
	ErrorKindIndexExists:                 "index_exists",
	ErrorKindParsingFailure:              "parsing_failure",
	ErrorKindCasMismatch:                 "cas_mismatch",
	ErrorKindTemporaryFailure:            "temporary_failure",
	ErrorKindDocumentNotFound:            "document_not_found",
	ErrorKindDocumentExists:              "document_exists",
	ErrorKindDocumentLocked:              "document_locked",
	ErrorKindValueTooLarge:               "value_too_large",
	ErrorKindDurabilityLevelNotAvailable: "durability_level_not_available",
	ErrorKindDurabilityImpossible:        "durability_impossible",
	ErrorKindDurabilityAmbiguous:         "durability_ambiguous",
	ErrorKindSyncWriteInProgress:         "sync_write_in_progress",
	ErrorKindSyncWriteAmbiguous:          "sync_write_ambiguous",
	ErrorKindPathNotFound:                "path_not_found",
	ErrorKindPathMismatch:                "path_mismatch",
	ErrorKindPathExists:                  "path_exists",
	ErrorKindPlanningFailure:             "planning_failure",
	ErrorKindIndexFailure:                "index_failure",
	ErrorKindPreparedStatementFailure:    "prepared_statement_failure",
	ErrorKindDMLFailure:                  "dml_failure",
	ErrorKindUserNotFound:                "user_not_found",
	ErrorKindGroupNotFound:               "group_not_found",
	ErrorKindBucketExists:                "bucket_exists",
	ErrorKindDataverseNotFound:           "dataverse_not_found",
}

// sentinel errors for use with errors.Is at call sites that only care about
// the kind, not the full context.
var (
	ErrRequestCanceled  = &ErrorContext{Kind: ErrorKindRequestCanceled}
	ErrInvalidArgument  = &ErrorContext{Kind: ErrorKindInvalidArgument}
	ErrDocumentNotFound = &ErrorContext{Kind: ErrorKindDocumentNotFound}
)

// KVErrorContext carries key-value specific diagnostics.
type KVErrorContext struct {
	BucketName string
	ScopeName  string
	Collection string
	Key        string
	Status     uint16
}

// HTTPErrorContext carries HTTP-service specific diagnostics.
type HTTPErrorContext struct {
	Method     string
	Path       string
	StatusCode int
}

// QueryErrorContext carries query-service specific diagnostics.
type QueryErrorContext struct {
	Statement       string
	ClientContextID string
	ServerErrorCode int
}

// ErrorContext is the layered error value every operation reports through
// its callback (spec.md §3, §7). It implements error so it can be returned
// and compared with errors.Is/errors.As.
type ErrorContext struct {
	Kind ErrorKind

	OperationID     string
	LastDispatchTo  string
	RetryAttempts   int
	RetryReasons    []string
	UnderlyingError error

	KV    *KVErrorContext
	HTTP  *HTTPErrorContext
	Query *QueryErrorContext
}

func (e *ErrorContext) Error() string {
	if e == nil {
		return "<nil error context>"
	}
	msg := fmt.Sprintf("cbcore: %s", e.Kind)
	if e.LastDispatchTo != "" {
		msg += fmt.Sprintf(" (last dispatched to %s)", e.LastDispatchTo)
	}
	if e.RetryAttempts > 0 {
		msg += fmt.Sprintf(" after %d retr%s", e.RetryAttempts, plural(e.RetryAttempts))
	}
	if e.UnderlyingError != nil {
		msg += fmt.Sprintf(": %v", e.UnderlyingError)
	}
	return msg
}

func (e *ErrorContext) Unwrap() error { return e.UnderlyingError }

// Is lets errors.Is(err, ErrDocumentNotFound) (and similar sentinels) match
// any ErrorContext with the same Kind, regardless of diagnostic payload.
func (e *ErrorContext) Is(target error) bool {
	var other *ErrorContext
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// NewErrorContext constructs a minimal ErrorContext of the given kind. Most
// call sites attach additional specialization (KV/HTTP/Query) afterward.
func NewErrorContext(kind ErrorKind, operationID string) *ErrorContext {
	return &ErrorContext{Kind: kind, OperationID: operationID}
}

// queryErrorKindToErrorKind translates a retry.QueryErrorKind (the query
// service's numeric-error-code classification, spec.md §7) into the closed
// ErrorKind set every operation reports through, so the façade's query path
// reports errors through the same vocabulary the KV path uses.
func queryErrorKindToErrorKind(k retry.QueryErrorKind) ErrorKind {
	switch k {
	case retry.QueryErrKindInvalidArgument:
		return ErrorKindInvalidArgument
	case retry.QueryErrKindUnambiguousTimeout:
		return ErrorKindUnambiguousTimeout
	case retry.QueryErrKindParsingFailure:
		return ErrorKindParsingFailure
	case retry.QueryErrKindPreparedStatementFailure:
		return ErrorKindPreparedStatementFailure
	case retry.QueryErrKindCasMismatch:
		return ErrorKindCasMismatch
	case retry.QueryErrKindDMLFailure:
		return ErrorKindDMLFailure
	case retry.QueryErrKindIndexNotFound:
		return ErrorKindIndexNotFound
	case retry.QueryErrKindAuthenticationFailure:
		return ErrorKindAuthenticationFailure
	case retry.QueryErrKindIndexFailure:
		return ErrorKindIndexFailure
	case retry.QueryErrKindPlanningFailure:
		return ErrorKindPlanningFailure
	default:
		return ErrorKindInternalServerFailure
	}
}
