package engine

import (
	"grouping/internal/config"
)

// MatchLabels checks whether route predicates match one alert label set.
// Params: route node and alert labels.
// Returns: true when every match/match_re predicate holds.
func MatchLabels(route *config.Route, labels map[string]string) bool {
	for name, expected := range route.Match {
		value, ok := labels[name]
		if !ok || value != expected {
			return false
		}
	}
	for name, compiled := range route.CompiledMatchRE {
		value, ok := labels[name]
		if !ok || !compiled.MatchString(value) {
			return false
		}
	}
	return true
}

// ResolveRoute walks the route tree and returns the effective route for labels.
// Params: root route and alert labels.
// Returns: deepest first-matching node; the root matches everything.
func ResolveRoute(root *config.Route, labels map[string]string) *config.Route {
	for i := range root.Routes {
		child := &root.Routes[i]
		if MatchLabels(child, labels) {
			return ResolveRoute(child, labels)
		}
	}
	return root
}
