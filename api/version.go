// Copyright 2024 The Armored Witness Loader authors. All Rights Reserved.
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

package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Firmware versions are 64-bit monotonic identifiers. Semantic versions are
// packed as major:16 | minor:24 | patch:24 so that their ordering is kept.
const (
	majorBits = 16
	minorBits = 24
	patchBits = 24
)

// PackVersion converts a semantic version into a firmware version
// identifier. Pre-release and metadata suffixes are not representable.
func PackVersion(v semver.Version) (uint64, error) {
	if v.PreRelease != "" || v.Metadata != "" {
		return 0, fmt.Errorf("version %s: pre-release and metadata are not supported", v.String())
	}
	if v.Major < 0 || v.Major >= 1<<majorBits {
		return 0, &CapacityError{What: "major version", Need: uint64(v.Major), Limit: 1<<majorBits - 1}
	}
	if v.Minor < 0 || v.Minor >= 1<<minorBits {
		return 0, &CapacityError{What: "minor version", Need: uint64(v.Minor), Limit: 1<<minorBits - 1}
	}
	if v.Patch < 0 || v.Patch >= 1<<patchBits {
		return 0, &CapacityError{What: "patch version", Need: uint64(v.Patch), Limit: 1<<patchBits - 1}
	}

	return uint64(v.Major)<<(minorBits+patchBits) | uint64(v.Minor)<<patchBits | uint64(v.Patch), nil
}

// UnpackVersion is the inverse of PackVersion.
func UnpackVersion(version uint64) semver.Version {
	return semver.Version{
		Major: int64(version >> (minorBits + patchBits)),
		Minor: int64((version >> patchBits) & (1<<minorBits - 1)),
		Patch: int64(version & (1<<patchBits - 1)),
	}
}

// ParseVersion accepts either a decimal firmware version (e.g. a build
// epoch) or a semantic version string.
func ParseVersion(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}

	v, err := semver.NewVersion(strings.TrimPrefix(s, "v"))
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %v", s, err)
	}

	return PackVersion(*v)
}
