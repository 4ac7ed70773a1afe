// Package unspath derives canonical UNS paths and Canary tag identifiers
// from Sparkplug identifiers. Topics, edge nodes, devices, and metric names
// map deterministically to slash-separated UNS paths; a separate encoder
// turns those paths into escape-safe Canary tag ids.
package unspath

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidPath is returned when no usable path segment survives
	// normalization.
	ErrInvalidPath = errors.New("unspath: unable to derive any path segments")

	// ErrInvalidTag is returned when a blank UNS path is handed to the
	// tag-id encoder.
	ErrInvalidTag = errors.New("unspath: uns path must not be blank")

	// ErrInvalidSegment is returned when a UNS path contains a segment that
	// reduces to nothing.
	ErrInvalidSegment = errors.New("unspath: uns path contains an empty segment")
)

// splitValue splits a raw value into path segments using forward slashes
// only. Sparkplug names commonly embed hierarchy using "/" (e.g.
// "Area/Equipment/Metric"); these are expanded into individual components.
// Backslashes and other delimiters are left for the normalization pass to
// sanitise rather than being treated as separators.
func splitValue(value string) []string {
	text := strings.TrimSpace(value)
	if text == "" {
		return nil
	}
	var segments []string
	for _, segment := range strings.Split(text, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// normalizeSegment produces a sanitised path segment while preserving
// Unicode letters.
func normalizeSegment(segment string) string {
	normalized := strings.TrimSpace(norm.NFC.String(segment))
	if normalized == "" {
		return ""
	}

	var cleaned strings.Builder
	lastWasSpace := false
	for _, r := range normalized {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				cleaned.WriteByte(' ')
				lastWasSpace = true
			}
			continue
		}
		lastWasSpace = false

		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cleaned.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			cleaned.WriteRune(r)
		default:
			cleaned.WriteByte('_')
		}
	}

	out := collapseRuns(cleaned.String(), '_')
	out = collapseRuns(out, '-')
	return strings.Trim(out, "_ -")
}

func collapseRuns(s string, c byte) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev byte
	for i := 0; i < len(s); i++ {
		if s[i] == c && prev == c {
			continue
		}
		b.WriteByte(s[i])
		prev = s[i]
	}
	return b.String()
}

func normalizedSegments(values ...string) []string {
	var segments []string
	for _, value := range values {
		segments = append(segments, splitValue(value)...)
	}
	var out []string
	for _, segment := range segments {
		if cleaned := normalizeSegment(segment); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

// NormalizeDevicePath computes the canonical UNS path for a device context.
// group is the Sparkplug Group ID (first topic segment after "spBv1.0") and
// edgeNode the Sparkplug Edge Node identifier; both are required. device is
// the Sparkplug Device identifier: DBIRTH frames include it, NBIRTH frames
// pass "". extraSegments are optional additional components appended after
// the device identity.
func NormalizeDevicePath(group, edgeNode, device string, extraSegments ...string) (string, error) {
	if group == "" {
		return "", errors.New("unspath: group is required for UNS device path")
	}
	if edgeNode == "" {
		return "", errors.New("unspath: edge node is required for UNS device path")
	}

	values := append([]string{group, edgeNode, device}, extraSegments...)
	segments := normalizedSegments(values...)
	if len(segments) == 0 {
		return "", ErrInvalidPath
	}
	return strings.Join(segments, "/"), nil
}

// NormalizeMetricPath computes the canonical UNS path for a metric. The
// metric path prefixes the device path and then appends the metric name
// split on "/" according to Sparkplug conventions.
func NormalizeMetricPath(group, edgeNode, device, metricName string, extraSegments ...string) (string, error) {
	if metricName == "" {
		return "", errors.New("unspath: metric name is required for UNS metric path")
	}

	deviceSegments := normalizedSegments(group, edgeNode, device)
	if len(deviceSegments) == 0 {
		return "", errors.New("unspath: unable to derive device portion for metric path")
	}

	metricSegments := normalizedSegments(append(extraSegments, metricName)...)
	if len(metricSegments) == 0 {
		return "", errors.New("unspath: metric name did not yield any path segments")
	}

	return strings.Join(append(deviceSegments, metricSegments...), "/"), nil
}
