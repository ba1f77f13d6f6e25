// Package odx defines the allowed criteria vocabulary and the identifier and
// sensitivity label tables shared by screening and coordinator review.
//
// The vocabulary mirrors what the on-device label index exposes: requesters
// may only target coarse labels, never raw attributes. Matching is
// case-insensitive over NFC-normalised text.
package odx

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AllowedPrefixes are the permitted namespaces for eligibility-criteria keys.
var AllowedPrefixes = []string{
	"domain.",
	"time.",
	"geo.",
	"quality.",
	"privacy.",
	"availability.",
	"account.",
}

// allowedExactKeys are un-namespaced coarse labels accepted as criteria keys.
var allowedExactKeys = map[string]struct{}{
	"age_bucket":  {},
	"city_bucket": {},
	"country":     {},
	"language":    {},
}

var directIdentifiers = map[string]struct{}{
	"name":       {},
	"email":      {},
	"phone":      {},
	"ssn":        {},
	"nationalid": {},
}

var quasiIdentifiers = map[string]struct{}{
	"birthdate":  {},
	"zipcode":    {},
	"gender":     {},
	"occupation": {},
	"employer":   {},
	"address":    {},
}

var sensitiveCategories = map[string]struct{}{
	"health":    {},
	"medical":   {},
	"financial": {},
	"political": {},
	"religious": {},
	"sexual":    {},
	"biometric": {},
	"genetic":   {},
	"criminal":  {},
}

var minorsIndicators = map[string]struct{}{
	"minors":    {},
	"children":  {},
	"kids":      {},
	"teens":     {},
	"youth":     {},
	"under_18":  {},
	"school":    {},
	"student":   {},
	"pediatric": {},
}

// Normalize lowercases and NFC-normalises a label for table lookups.
func Normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(label)))
}

// IsAllowedCriteriaKey reports whether key is in the ODX vocabulary: an exact
// allowed key or namespaced under an allowed prefix.
func IsAllowedCriteriaKey(key string) bool {
	k := Normalize(key)
	if _, ok := allowedExactKeys[k]; ok {
		return true
	}
	for _, prefix := range AllowedPrefixes {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// IsDirectIdentifier reports whether label names a direct identifier.
func IsDirectIdentifier(label string) bool {
	_, ok := directIdentifiers[Normalize(label)]
	return ok
}

// IsQuasiIdentifier reports whether label names a quasi-identifier.
func IsQuasiIdentifier(label string) bool {
	_, ok := quasiIdentifiers[Normalize(label)]
	return ok
}

// IsSensitiveCategory reports whether label names a sensitive data category.
func IsSensitiveCategory(label string) bool {
	_, ok := sensitiveCategories[Normalize(label)]
	return ok
}

// IsMinorsIndicator reports whether label signals a minors-related audience.
func IsMinorsIndicator(label string) bool {
	_, ok := minorsIndicators[Normalize(label)]
	return ok
}

// CountQuasiIdentifiers counts distinct quasi-identifiers among labels.
func CountQuasiIdentifiers(labels []string) int {
	seen := make(map[string]struct{})
	for _, l := range labels {
		n := Normalize(l)
		if _, ok := quasiIdentifiers[n]; ok {
			seen[n] = struct{}{}
		}
	}
	return len(seen)
}

// SplitLabel breaks a namespaced label into its segments. Underscored
// tokens like city_bucket and under_18 stay whole.
func SplitLabel(label string) []string {
	return strings.FieldsFunc(Normalize(label), func(r rune) bool {
		return r == '.' || r == '/' || r == ' '
	})
}

// ContainsSensitiveCategory reports whether any segment of label names a
// sensitive data category ("domain.health" matches "health").
func ContainsSensitiveCategory(label string) bool {
	for _, seg := range SplitLabel(label) {
		if _, ok := sensitiveCategories[seg]; ok {
			return true
		}
	}
	return false
}

// ContainsMinorsIndicator scans free text (purpose strings) and labels for
// any minors indicator as a whole word.
func ContainsMinorsIndicator(text string) bool {
	for _, word := range strings.FieldsFunc(Normalize(text), func(r rune) bool {
		return r == ' ' || r == ',' || r == ';' || r == '.' || r == ':' || r == '(' || r == ')'
	}) {
		if _, ok := minorsIndicators[word]; ok {
			return true
		}
	}
	return false
}
