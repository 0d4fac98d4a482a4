// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Valid names
		{"simple", "temp", false},
		{"single char", "a", false},
		{"dotted", "runtime.heap_live", false},
		{"namespaced", "policy:client-1", false},
		{"leading digit", "1st", false},
		{"max length", strings.Repeat("a", MaxNameLength), false},

		// Invalid names
		{"empty", "", true},
		{"slash", "temp/inner", true},
		{"space", "temp sensor", true},
		{"leading dot", ".hidden", true},
		{"leading hyphen", "-x", true},
		{"unicode", "température", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNames(t *testing.T) {
	assert.NoError(t, ValidateNames([]string{"primary", "secondary"}))
	assert.NoError(t, ValidateNames(nil))

	err := ValidateNames([]string{"ok", "bad/one", "bad two"})
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Contains(t, err.Error(), `"bad/one"`)
	assert.Contains(t, err.Error(), `"bad two"`)
	assert.NotContains(t, err.Error(), `"ok"`)
}
