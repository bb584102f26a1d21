// SPDX-FileCopyrightText: 2018 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"slices"
	"strings"
)

// Scope is a permission that a capability token can carry.
type Scope string

const (
	// BuildScope allows creating and inspecting builds, adding references,
	// and requesting commit and purge jobs.
	BuildScope Scope = "build"
	// UploadScope allows querying missing objects and uploading objects.
	UploadScope Scope = "upload"
	// PublishScope allows requesting publish jobs.
	PublishScope Scope = "publish"
	// JobsScope allows inspecting jobs by ID.
	JobsScope Scope = "jobs"
)

// DefaultScopes are the scopes granted by tokens issued with default settings.
var DefaultScopes = []Scope{BuildScope, UploadScope, PublishScope, JobsScope}

// IsKnownScope returns whether s is one of the scopes defined above.
func IsKnownScope(s Scope) bool {
	return slices.Contains(DefaultScopes, s)
}

// ScopeSet is a set of scopes. The zero value is an empty set.
type ScopeSet []Scope

// Contains returns whether the given scope is in this set.
func (ss ScopeSet) Contains(s Scope) bool {
	return slices.Contains(ss, s)
}

// IsSubsetOf returns whether every scope in this set is also in the other set.
func (ss ScopeSet) IsSubsetOf(other ScopeSet) bool {
	for _, s := range ss {
		if !other.Contains(s) {
			return false
		}
	}
	return true
}

// String returns a comma-separated list of the scopes in this set.
func (ss ScopeSet) String() string {
	strs := make([]string, len(ss))
	for idx, s := range ss {
		strs[idx] = string(s)
	}
	return strings.Join(strs, ",")
}

// PrefixSet restricts which names a token may operate on. An empty set allows
// all names.
type PrefixSet []string

// IsUnrestricted returns whether this set allows every name.
func (ps PrefixSet) IsUnrestricted() bool {
	return len(ps) == 0
}

// Allows returns whether the given name starts with at least one prefix from
// this set.
func (ps PrefixSet) Allows(name string) bool {
	if ps.IsUnrestricted() {
		return true
	}
	for _, prefix := range ps {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// IsNarrowerThan returns whether every name allowed by this set is also
// allowed by the other set. Each prefix in this set must extend some prefix
// in the other set.
func (ps PrefixSet) IsNarrowerThan(other PrefixSet) bool {
	if other.IsUnrestricted() {
		return true
	}
	if ps.IsUnrestricted() {
		return false
	}
	for _, prefix := range ps {
		if !other.Allows(prefix) {
			return false
		}
	}
	return true
}
