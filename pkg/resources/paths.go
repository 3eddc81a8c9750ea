// Copyright 2025 Tether Device Management
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

package resources

import (
	"fmt"
	"strings"

	"github.com/tetherdm/tether-agent/pkg/constants"
	"github.com/tetherdm/tether-agent/pkg/standarderrors"
)

// ValidatePath checks that path is an absolute, well-formed resource path:
// a leading slash, no trailing slash, non-empty segments of word characters,
// dots and dashes, within the length and depth bounds. Malformed paths
// return ErrBadParameter, oversized ones ErrOverflow.
func ValidatePath(path string) error {
	if len(path) > constants.MaxPathLen {
		return fmt.Errorf("path exceeds %d bytes: %w", constants.MaxPathLen, standarderrors.ErrOverflow)
	}
	if len(path) < 2 || path[0] != '/' {
		return fmt.Errorf("path %q must start with a slash and name at least one segment: %w",
			path, standarderrors.ErrBadParameter)
	}
	segments := strings.Split(path[1:], "/")
	if len(segments) > constants.MaxPathDepth {
		return fmt.Errorf("path exceeds %d segments: %w", constants.MaxPathDepth, standarderrors.ErrOverflow)
	}
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return fmt.Errorf("path %q: %w", path, err)
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("empty segment: %w", standarderrors.ErrBadParameter)
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return fmt.Errorf("segment %q holds invalid character %q: %w",
				seg, r, standarderrors.ErrBadParameter)
		}
	}
	return nil
}

// firstSegment returns the leading segment of an absolute path.
func firstSegment(path string) string {
	rest := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// allDigits reports whether s is a non-empty run of ASCII digits. All-digit
// root segments belong to the standardized object space and stay off limits
// for application resources.
func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isAncestor reports whether prefix is a strict path ancestor of path, with
// the comparison anchored at segment boundaries.
func isAncestor(prefix, path string) bool {
	return strings.HasPrefix(path, prefix+"/")
}
