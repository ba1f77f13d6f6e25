package coordinator

import (
	"github.com/datapact/core/pkg/odx"
)

// Action is what a detected pattern demands of the request.
type Action string

const (
	ActionNone      Action = "NONE"
	ActionDownscope Action = "DOWNSCOPE"
	ActionBlock     Action = "BLOCK"
)

// Safeguard codes attached by review. Downstream components read them:
// the privacy governor honours the k-anonymity floor, the capsule layer
// the TTL and delivery-mode restrictions.
const (
	SafeguardCleanRoomOnly    = "CLEAN_ROOM_ONLY"
	SafeguardAggregateOnly    = "AGGREGATE_ONLY"
	SafeguardCoarseGeo        = "COARSE_GEO"
	SafeguardCoarseTime       = "COARSE_TIME"
	SafeguardPrivacyFloorHigh = "PRIVACY_FLOOR_HIGH"
	SafeguardKAnonymity50     = "K_ANONYMITY_50"
	SafeguardTTL72H           = "TTL_72H"
)

// Pattern is a high-risk label co-occurrence. Components name label
// families; the pattern fires when every component family appears across
// the request's scope and criteria.
type Pattern struct {
	Code       string   `yaml:"code"`
	Components []string `yaml:"components"`
	Action     Action   `yaml:"action"`
	Hint       string   `yaml:"hint"`
	Safeguards []string `yaml:"safeguards"`
}

// familyTokens maps a pattern component to the label segments that count
// as a member. city_bucket is deliberately its own component, narrower
// than the location family.
var familyTokens = map[string][]string{
	"health":        {"health", "medical"},
	"location":      {"location"},
	"city_bucket":   {"city_bucket"},
	"finance":       {"finance", "financial"},
	"communication": {"communication", "messaging"},
	"geo":           {"geo", "location", "city_bucket"},
}

// defaultPatterns is the compiled-in pattern table. A profile file
// replaces it wholesale.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Code:       "HEALTH_LOCATION",
			Components: []string{"health", "location"},
			Action:     ActionDownscope,
			Hint:       "coarsen geography and deliver through a clean room",
			Safeguards: []string{SafeguardCleanRoomOnly, SafeguardCoarseGeo},
		},
		{
			Code:       "HEALTH_CITY_BUCKET",
			Components: []string{"health", "city_bucket"},
			Action:     ActionDownscope,
			Hint:       "replace city buckets with country-level targeting",
			Safeguards: []string{SafeguardCleanRoomOnly, SafeguardCoarseGeo},
		},
		{
			Code:       "FINANCE_LOCATION",
			Components: []string{"finance", "location"},
			Action:     ActionDownscope,
			Hint:       "restrict output to aggregates over coarse regions",
			Safeguards: []string{SafeguardAggregateOnly, SafeguardCoarseGeo},
		},
		{
			Code:       "COMMUNICATION_LOCATION",
			Components: []string{"communication", "location"},
			Action:     ActionBlock,
			Hint:       "communication metadata combined with location is not accepted",
			Safeguards: nil,
		},
	}
}

// defaultFamilySafeguards attaches safeguards whenever a scope family is
// present at all, pattern or not.
func defaultFamilySafeguards() map[string][]string {
	return map[string][]string{
		"health":        {SafeguardCleanRoomOnly, SafeguardPrivacyFloorHigh},
		"geo":           {SafeguardCoarseGeo},
		"finance":       {SafeguardAggregateOnly, SafeguardPrivacyFloorHigh},
		"communication": {SafeguardCoarseTime},
	}
}

// defaultBaselineSafeguards apply to every request.
func defaultBaselineSafeguards() []string {
	return []string{SafeguardKAnonymity50, SafeguardTTL72H}
}

// segmentSet collects the distinct normalised segments across labels.
func segmentSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, label := range labels {
		for _, seg := range odx.SplitLabel(label) {
			set[seg] = struct{}{}
		}
	}
	return set
}

// familyPresent reports whether any token of the family appears in the
// segment set.
func familyPresent(family string, segments map[string]struct{}) bool {
	tokens, ok := familyTokens[family]
	if !ok {
		tokens = []string{family}
	}
	for _, tok := range tokens {
		if _, present := segments[tok]; present {
			return true
		}
	}
	return false
}

// detectPatterns returns every pattern whose components all appear.
func detectPatterns(patterns []Pattern, segments map[string]struct{}) []Pattern {
	var hits []Pattern
	for _, p := range patterns {
		all := true
		for _, comp := range p.Components {
			if !familyPresent(comp, segments) {
				all = false
				break
			}
		}
		if all && len(p.Components) > 0 {
			hits = append(hits, p)
		}
	}
	return hits
}
