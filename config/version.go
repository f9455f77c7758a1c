package config

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// CompareVersions compares two semver version strings
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	error if either version is invalid
func CompareVersions(v1, v2 string) (int, error) {
	a, err := semver(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	b, err := semver(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1, nil
		case a[i] < b[i]:
			return -1, nil
		}
	}
	return 0, nil
}

func semver(version string) ([3]int, error) {
	major, minor, patch, err := parseSemVer(version)
	return [3]int{major, minor, patch}, err
}

// parseSemVer parses "major.minor.patch" with an optional leading "v".
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, stderrors.New("version cannot be empty")
	}

	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}

	var nums [3]int
	for i, name := range []string{"major", "minor", "patch"} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid %s version '%s'", name, parts[i])
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
