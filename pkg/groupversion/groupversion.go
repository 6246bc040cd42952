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

// Package groupversion identifies a single Kubernetes API group/version/kind
// triple and derives the naming a CustomResourceDefinition needs from it:
// plural/singular names, the CRD resource name, and a total order across
// versions of the same kind by major number, then stability, then minor
// number.
package groupversion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/pkg/errors"

	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
)

var pluralizeClient = pluralize.NewClient()

// Stability ranks an API version's maturity, least to most stable.
type Stability int

const (
	StabilityAlpha Stability = iota
	StabilityBeta
	StabilityStable
)

func (s Stability) String() string {
	switch s {
	case StabilityAlpha:
		return "Alpha"
	case StabilityBeta:
		return "Beta"
	default:
		return ""
	}
}

// Scope mirrors a CRD's spec.scope.
type Scope int

const (
	ScopeNamespaced Scope = iota
	ScopeCluster
)

// versionPattern matches "v1", "v1alpha1", "v2beta3": major number, optional
// stability word, optional stability-local minor number.
var versionPattern = regexp.MustCompile(`^v(\d+)(?:(alpha|beta)(\d+))?$`)

// GroupVersionInfo identifies one Group/Version/Kind and the naming derived
// from it.
type GroupVersionInfo struct {
	Group      string
	APIVersion string
	Kind       string
	Singular   string
	Plural     string
	CRDName    string
	Major      int
	Stability  Stability
	Minor      int
	Scope      Scope
	ShortNames []string
}

// Option customizes New, mirroring the original implementation's **kwargs
// overrides of the auto-derived naming.
type Option func(*GroupVersionInfo)

func WithSingular(s string) Option { return func(g *GroupVersionInfo) { g.Singular = s } }
func WithPlural(p string) Option   { return func(g *GroupVersionInfo) { g.Plural = p } }
func WithCRDName(n string) Option  { return func(g *GroupVersionInfo) { g.CRDName = n } }
func WithShortNames(n ...string) Option {
	return func(g *GroupVersionInfo) { g.ShortNames = n }
}
func WithScope(s Scope) Option { return func(g *GroupVersionInfo) { g.Scope = s } }

// New parses apiVersion and derives naming for group/kind, returning
// kerrors.InvalidVersionError if apiVersion doesn't match the expected
// Kubernetes version pattern or names an unknown stability word.
func New(group, apiVersion, kind string, opts ...Option) (GroupVersionInfo, error) {
	m := versionPattern.FindStringSubmatch(apiVersion)
	if m == nil {
		return GroupVersionInfo{}, errors.WithStack(&kerrors.InvalidVersionError{
			Version: apiVersion,
			Reason:  "must match ^v<major>((alpha|beta)<minor>)?$",
		})
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return GroupVersionInfo{}, errors.WithStack(&kerrors.InvalidVersionError{Version: apiVersion, Reason: "invalid major number"})
	}
	stability := StabilityStable
	minor := 0
	if m[2] != "" {
		switch m[2] {
		case "alpha":
			stability = StabilityAlpha
		case "beta":
			stability = StabilityBeta
		}
		minor, err = strconv.Atoi(m[3])
		if err != nil {
			return GroupVersionInfo{}, errors.WithStack(&kerrors.InvalidVersionError{Version: apiVersion, Reason: "invalid minor number"})
		}
	}

	singular := strings.ToLower(kind)
	g := GroupVersionInfo{
		Group:      group,
		APIVersion: apiVersion,
		Kind:       kind,
		Singular:   singular,
		Plural:     strings.ToLower(pluralizeClient.Plural(kind)),
		Major:      major,
		Stability:  stability,
		Minor:      minor,
		Scope:      ScopeNamespaced,
	}
	for _, opt := range opts {
		opt(&g)
	}
	if g.CRDName == "" {
		g.CRDName = fmt.Sprintf("%s.%s", g.Plural, g.Group)
	}
	return g, nil
}

// GroupVersion renders "<group>/<apiVersion>".
func (g GroupVersionInfo) GroupVersion() string {
	return fmt.Sprintf("%s/%s", g.Group, g.APIVersion)
}

// PrettyVersion renders e.g. "V1Alpha2" or "V2" for a GA version.
func (g GroupVersionInfo) PrettyVersion() string {
	minor := ""
	if g.Minor != 0 {
		minor = strconv.Itoa(g.Minor)
	}
	return fmt.Sprintf("V%d%s%s", g.Major, g.Stability, minor)
}

// PrettyKind renders "<Kind><PrettyVersion>", used as a Go-identifier-safe
// name for generated type/endpoint names. When nn is non-nil, it
// appends "(Namespace=<ns>,Name=<name>)" identifying the specific object a
// log line is about — the direct counterpart of the original implementation's
// pretty_kind_str(namespace_name=None).
func (g GroupVersionInfo) PrettyKind(nn *crd.NamespaceName) string {
	s := g.Kind + g.PrettyVersion()
	if nn == nil {
		return s
	}
	return fmt.Sprintf("%s(Namespace=%s,Name=%s)", s, nn.Namespace, nn.Name)
}

func (g GroupVersionInfo) key() (string, int, Stability, int) {
	return g.Kind, g.Major, g.Stability, g.Minor
}

// Compare orders two GroupVersionInfos: different Kinds sort lexically by
// name; same Kind sorts by Major, then Stability, then Minor, from least to
// most mature. Returns -1, 0 or 1.
func (g GroupVersionInfo) Compare(other GroupVersionInfo) int {
	gk, ga, gs, gm := g.key()
	ok, oa, os, om := other.key()
	switch {
	case gk != ok:
		return strings.Compare(gk, ok)
	case ga != oa:
		return cmpInt(ga, oa)
	case gs != os:
		return cmpInt(int(gs), int(os))
	default:
		return cmpInt(gm, om)
	}
}

// Less reports whether g sorts before other.
func (g GroupVersionInfo) Less(other GroupVersionInfo) bool {
	return g.Compare(other) < 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ByVersion implements sort.Interface over a slice of GroupVersionInfo,
// ordering by Compare.
type ByVersion []GroupVersionInfo

func (b ByVersion) Len() int           { return len(b) }
func (b ByVersion) Less(i, j int) bool { return b[i].Less(b[j]) }
func (b ByVersion) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

func (g GroupVersionInfo) String() string {
	return fmt.Sprintf("%s, Kind=%s", g.GroupVersion(), g.Kind)
}
