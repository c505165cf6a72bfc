// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for workspace
// entities built from user-provided project descriptions.
//
// Names become part of symbolic ids and root URLs end up in file system
// lookups, so both are checked before they reach the storage.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrInvalidName is returned for a malformed module or library name.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidURL is returned for a malformed root URL.
	ErrInvalidURL = errors.New("invalid root url")
)

// namePattern matches module and library names.
// Allows: letters, digits, underscore, dot, hyphen. Must not start with a
// dot or hyphen. Max length: 255 characters.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,254}$`)

// rootSchemes lists the URL schemes a content root may use.
var rootSchemes = []string{"file", "jar"}

// ValidateName validates a module or library name.
//
// Example:
//
//	if err := validation.ValidateName(spec.Name); err != nil {
//	    return storage.NoEntity, fmt.Errorf("add module: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (must be 1-255 letters, digits, '_', '.' or '-', not starting with '.' or '-')", ErrInvalidName, name)
	}
	return nil
}

// ValidateNames validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidName, invalid)
	}
	return nil
}

// ValidateRootURL validates a content root URL.
//
// Valid URLs use the file or jar scheme, carry a non-empty path and contain
// no ".." path segments.
func ValidateRootURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if !slices.Contains(rootSchemes, u.Scheme) {
		return fmt.Errorf("%w: %q (scheme must be one of %v)", ErrInvalidURL, raw, rootSchemes)
	}
	if u.Path == "" && u.Opaque == "" {
		return fmt.Errorf("%w: %q has no path", ErrInvalidURL, raw)
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q contains '..'", ErrInvalidURL, raw)
		}
	}
	return nil
}

// SanitizeName trims surrounding whitespace and validates the result.
func SanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidateName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
