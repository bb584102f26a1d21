// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"regexp"
	"strings"
)

var (
	// ChecksumRx matches object checksums (lowercase hex).
	ChecksumRx = regexp.MustCompile(`^[0-9a-f]{3,128}$`)
	// CommitRx matches the target commit of a reference.
	CommitRx = regexp.MustCompile(`^[0-9a-f]{1,128}$`)

	refNameComponentRx = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// IsChecksum returns whether the given string is a well-formed object checksum.
func IsChecksum(input string) bool {
	return ChecksumRx.MatchString(input)
}

// IsReferenceName returns whether the given string is a well-formed reference
// name like "app/org.example.App/x86_64/stable". Names are used as file paths
// below refs/heads/, so path traversal components are rejected.
func IsReferenceName(input string) bool {
	if input == "" || len(input) > 255 {
		return false
	}
	for _, component := range strings.Split(input, "/") {
		if component == "." || component == ".." || !refNameComponentRx.MatchString(component) {
			return false
		}
	}
	return true
}

// ReferenceNamesCollide returns whether the two reference names cannot be
// stored next to each other because one of them would have to be a directory
// containing the other, like "app/org.example.App" and
// "app/org.example.App/x86_64/stable".
func ReferenceNamesCollide(a, b string) bool {
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
