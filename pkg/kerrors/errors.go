// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kerrors holds the sentinel and structured error types used across
// the operator runtime. Reconcilers, webhooks and the CRD layer all return
// these rather than ad-hoc strings so that the reconcile and admission loops
// can classify failures by type instead of by message.
package kerrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched with errors.Is by callers that only need to know
// the failure class, not any attached detail.
var (
	// ErrTimeout is returned by kuroutil.WithTimeout when the wrapped
	// function does not complete before its deadline.
	ErrTimeout = errors.New("kuroboros: operation timed out")

	// ErrReadOnly is returned by crd.Instance's Patch, AddFinalizer and
	// RemoveFinalizer when the Instance was constructed read-only.
	ErrReadOnly = errors.New("kuroboros: crd is read-only")

	// ErrNotFound is returned by crd.GetNamespaced when the apiserver
	// reports the object does not exist.
	ErrNotFound = errors.New("kuroboros: custom resource not found")
)

// PermissionError reports that the operator's ServiceAccount lacks one or
// more RBAC verbs it requires against a resource, discovered via a
// SelfSubjectAccessReview at controller construction time.
type PermissionError struct {
	Resource string
	Verbs    []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing permissions %v on resource %q", e.Verbs, e.Resource)
}

// WebhookTypeMismatchError reports that a Validator or Mutator was
// registered against a GroupVersionInfo/Kind pair that does not match the
// CRD Schema it was built from.
type WebhookTypeMismatchError struct {
	Expected, Got string
}

func (e *WebhookTypeMismatchError) Error() string {
	return fmt.Sprintf("webhook registered for %q but schema is %q", e.Got, e.Expected)
}

// InvalidVersionError reports a malformed apiVersion string passed to
// groupversion.New.
type InvalidVersionError struct {
	Version string
	Reason  string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid api version %q: %s", e.Version, e.Reason)
}

// RetriableError signals that a reconcile iteration failed but should be
// retried after Backoff rather than at the reconciler's steady-state
// interval. It is the Go counterpart of the original RetriableException.
type RetriableError struct {
	Backoff time.Duration
	Cause   error
}

func (e *RetriableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("retriable error, retry in %s", e.Backoff)
	}
	return fmt.Sprintf("retriable error, retry in %s: %v", e.Backoff, e.Cause)
}

func (e *RetriableError) Unwrap() error { return e.Cause }

// UnrecoverableError signals that a reconcile iteration hit a condition that
// will never succeed on retry; the reconciler stops polling the object
// entirely rather than rescheduling.
type UnrecoverableError struct {
	Cause error
}

func (e *UnrecoverableError) Error() string {
	if e.Cause == nil {
		return "unrecoverable error"
	}
	return fmt.Sprintf("unrecoverable error: %v", e.Cause)
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

// ValidationWebhookError carries a human-readable Reason that is surfaced
// verbatim in the AdmissionResponse.Result.Message of a denied request.
type ValidationWebhookError struct {
	Reason string
}

func (e *ValidationWebhookError) Error() string { return e.Reason }

// MutationWebhookError carries a human-readable Reason that is surfaced
// verbatim in the AdmissionResponse.Result.Message of a failed mutation.
type MutationWebhookError struct {
	Reason string
}

func (e *MutationWebhookError) Error() string { return e.Reason }

// SupervisionError reports that one of the operator's owned long-running
// tasks (a controller, leader election, metrics reporting, or the webhook
// server) died unexpectedly. Per spec, the death of any of these is fatal
// to the operator as a whole.
type SupervisionError struct {
	Task  string
	Cause error
}

func (e *SupervisionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("operator: %s task died", e.Task)
	}
	return fmt.Sprintf("operator: %s task died: %v", e.Task, e.Cause)
}

func (e *SupervisionError) Unwrap() error { return e.Cause }
