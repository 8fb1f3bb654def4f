package engine

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"grouping/internal/config"
	"grouping/internal/domain"
)

const (
	// globalGroupToken is the single-group key suffix for empty group_by.
	globalGroupToken = "~global"
	// hashedKeyMarker prefixes keys that were hashed to bound their length.
	hashedKeyMarker = "#"

	pairSeparator  = ','
	valueSeparator = '='
)

// KeyGenerator derives deterministic group keys from routes and alert labels.
// Params: maximum raw key length before the serialized form is hashed.
// Returns: pure, lock-free generator safe for concurrent use.
type KeyGenerator struct {
	// MaxKeyLength bounds the raw serialized key. Longer keys are replaced by
	// an FNV-1a 64-bit digest (never silently truncated), so two distinct
	// label sets collide only on a 64-bit hash collision.
	MaxKeyLength int
}

// GenerateKey builds the group key for one alert under one route.
// Params: matched route and validated alert.
// Returns: deterministic key stable across restarts, or route configuration error.
func (g KeyGenerator) GenerateKey(route *config.Route, alert *domain.Alert) (string, error) {
	if route == nil {
		return "", errors.New("route is required")
	}
	receiver := strings.TrimSpace(route.Receiver)
	if receiver == "" {
		return "", errors.New("route receiver is required")
	}

	pairs, err := selectGroupingLabels(route.GroupBy, alert.Labels)
	if err != nil {
		return "", err
	}

	serialized := serializePairs(pairs)
	if serialized == "" {
		serialized = globalGroupToken
	}

	prefix := escapeToken(receiver) + "/"
	if g.MaxKeyLength > 0 && len(prefix)+len(serialized) > g.MaxKeyLength {
		return prefix + hashedKeyMarker + hashSerialized(receiver, serialized), nil
	}
	return prefix + serialized, nil
}

// GroupingLabels selects the labels a group is keyed by.
// Params: route group_by selection and alert labels.
// Returns: common label map stored on the group, or route configuration error.
func GroupingLabels(route *config.Route, alert *domain.Alert) (map[string]string, error) {
	pairs, err := selectGroupingLabels(route.GroupBy, alert.Labels)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		labels[pair.name] = pair.value
	}
	return labels, nil
}

type labelPair struct {
	name  string
	value string
}

// selectGroupingLabels resolves group_by into sorted label pairs.
// Params: group_by entries ("..." sentinel, empty, or named labels) and alert labels.
// Returns: lexicographically sorted pairs; missing labels map to empty values.
func selectGroupingLabels(groupBy []string, labels map[string]string) ([]labelPair, error) {
	if len(groupBy) == 0 {
		return nil, nil
	}

	if groupBy[0] == config.GroupByAll {
		if len(groupBy) > 1 {
			return nil, fmt.Errorf("group_by must not mix %q with label names", config.GroupByAll)
		}
		pairs := make([]labelPair, 0, len(labels))
		for name, value := range labels {
			pairs = append(pairs, labelPair{name: name, value: value})
		}
		sortPairs(pairs)
		return pairs, nil
	}

	pairs := make([]labelPair, 0, len(groupBy))
	seen := make(map[string]struct{}, len(groupBy))
	for _, name := range groupBy {
		if name == config.GroupByAll {
			return nil, fmt.Errorf("group_by must not mix %q with label names", config.GroupByAll)
		}
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("group_by has empty label name")
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		// Missing label is grouped under its empty value, not an error.
		pairs = append(pairs, labelPair{name: name, value: labels[name]})
	}
	sortPairs(pairs)
	return pairs, nil
}

// sortPairs orders pairs lexicographically by label name.
// Params: mutable pair slice.
// Returns: slice sorted in place.
func sortPairs(pairs []labelPair) {
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].name < pairs[j].name
	})
}

// serializePairs joins escaped name=value pairs with an unambiguous separator.
// Params: sorted label pairs.
// Returns: canonical serialized form.
func serializePairs(pairs []labelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	capacity := 0
	for _, pair := range pairs {
		capacity += len(pair.name) + len(pair.value) + 2
	}
	var builder strings.Builder
	builder.Grow(capacity)
	for i, pair := range pairs {
		if i > 0 {
			builder.WriteByte(pairSeparator)
		}
		builder.WriteString(escapeToken(pair.name))
		builder.WriteByte(valueSeparator)
		builder.WriteString(escapeToken(pair.value))
	}
	return builder.String()
}

// escapeToken percent-encodes separators and control characters in one token.
// Params: raw label name or value.
// Returns: unambiguous token safe to join with separators.
func escapeToken(raw string) string {
	needsEscape := false
	for i := 0; i < len(raw); i++ {
		if mustEscapeByte(raw[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return raw
	}

	var builder strings.Builder
	builder.Grow(len(raw) + 6)
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if mustEscapeByte(b) {
			builder.WriteByte('%')
			const hexDigits = "0123456789ABCDEF"
			builder.WriteByte(hexDigits[b>>4])
			builder.WriteByte(hexDigits[b&0x0f])
			continue
		}
		builder.WriteByte(b)
	}
	return builder.String()
}

// mustEscapeByte reports whether byte breaks key serialization.
// Params: one token byte.
// Returns: true for separators, percent, slash, and control characters.
func mustEscapeByte(b byte) bool {
	switch b {
	case pairSeparator, valueSeparator, '%', '/':
		return true
	}
	return b < 0x20 || b == 0x7f
}

// hashSerialized digests receiver and serialized labels with FNV-1a 64.
// Params: receiver name and canonical serialized label string.
// Returns: fixed-width hex digest, stable across processes.
func hashSerialized(receiver, serialized string) string {
	digest := fnv.New64a()
	_, _ = digest.Write([]byte(receiver))
	_, _ = digest.Write([]byte{0})
	_, _ = digest.Write([]byte(serialized))
	return strconv.FormatUint(digest.Sum64(), 16)
}
