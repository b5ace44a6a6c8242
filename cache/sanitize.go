package cache

import (
	"regexp"
	"slices"
	"strings"
)

// Cache entries compiled on EC2 instances routinely embed the instance's
// private address in their paths, either as the dashed hostname form
// ("ip-172-31-10-7") or as a bare dotted quad used as a directory name.
// Listings from different machines must compare equal, so both forms are
// rewritten to fixed placeholders before any comparison.
var (
	dashedAddressRegexp = regexp.MustCompile(`ip-([0-9]{1,3}-){3}[0-9]{1,3}`)

	// Matched against whole path segments only: compiler version directories
	// ("neuronxcc-2.14.227.0+2d4f85be7") contain dotted quads that must
	// survive untouched.
	dottedAddressRegexp = regexp.MustCompile(`^([0-9]{1,3}\.){3}[0-9]{1,3}$`)
)

const (
	dashedAddressPlaceholder = "ip-0-0-0-0"
	dottedAddressPlaceholder = "0.0.0.0"
)

// SanitizePath replaces machine-identifying network addresses embedded in a
// slash-separated entry path with fixed placeholders. Idempotent: the
// placeholders sanitize to themselves.
func SanitizePath(entryPath string) string {
	segments := strings.Split(entryPath, "/")
	for i, segment := range segments {
		segment = dashedAddressRegexp.ReplaceAllString(segment, dashedAddressPlaceholder)
		if dottedAddressRegexp.MatchString(segment) {
			segment = dottedAddressPlaceholder
		}
		segments[i] = segment
	}
	return strings.Join(segments, "/")
}

// SanitizeAll sanitizes every path and returns them sorted, ready for
// comparison against another sanitized listing. The input is not modified.
func SanitizeAll(paths []string) []string {
	sanitized := make([]string, 0, len(paths))
	for _, p := range paths {
		sanitized = append(sanitized, SanitizePath(p))
	}
	slices.Sort(sanitized)
	return sanitized
}
