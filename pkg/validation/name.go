// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for names that end up in
// storage keys, stream fields, URL paths, and metric labels.
//
// Telemetry channel names become part of Badger keys (sample/<channel>/...)
// and admin API paths, and component names become Prometheus label values.
// A name containing a slash would collide with another channel's key prefix,
// so both are restricted to a conservative character set.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength bounds a validated name.
const MaxNameLength = 128

// ErrInvalidName is wrapped by every name validation failure.
var ErrInvalidName = errors.New("invalid name")

// namePattern allows letters, digits, dots, underscores, colons and
// hyphens, starting with a letter or digit.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// ValidateName checks a channel or component name.
//
// Valid names:
//   - 1-128 characters
//   - Letters, digits, '.', '_', ':', '-'
//   - First character is a letter or digit
//
// Example:
//
//	if err := validation.ValidateName(name); err != nil {
//	    return fmt.Errorf("register channel: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name[:16]+"...", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (must be alphanumeric with '.', '_', ':' or '-')", ErrInvalidName, name)
	}
	return nil
}

// ValidateNames validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", n))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidName, strings.Join(invalid, ", "))
	}
	return nil
}
