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

// Package rlog decorates a root go-kit logger with the static fields every
// reconcile iteration should carry, so log lines from concurrently running
// reconcilers for different objects can be told apart.
package rlog

import "github.com/go-kit/log"

// ForObject returns a child logger with namespace, name, resourceVersion and
// apiVersion attached to every line logged through it. It mirrors the
// reference implementation's reconciler_logger, which injected the same
// fields into every record via a logging filter.
func ForObject(base log.Logger, namespace, name, resourceVersion, apiVersion string) log.Logger {
	return log.With(base,
		"namespace", namespace,
		"name", name,
		"resourceVersion", resourceVersion,
		"apiVersion", apiVersion,
	)
}
