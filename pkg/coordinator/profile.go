package coordinator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile overrides the compiled-in safeguard and pattern tables. Sites
// with their own review policy ship one YAML file; absent a profile the
// defaults apply.
type Profile struct {
	Patterns           []Pattern           `yaml:"patterns"`
	FamilySafeguards   map[string][]string `yaml:"family_safeguards"`
	BaselineSafeguards []string            `yaml:"baseline_safeguards"`
	MaxCriteria        int                 `yaml:"max_criteria"`
}

// DefaultProfile returns the compiled-in tables.
func DefaultProfile() *Profile {
	return &Profile{
		Patterns:           defaultPatterns(),
		FamilySafeguards:   defaultFamilySafeguards(),
		BaselineSafeguards: defaultBaselineSafeguards(),
		MaxCriteria:        5,
	}
}

// LoadProfile reads a YAML profile file. Empty sections fall back to the
// defaults so a profile can override only the pattern table.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coordinator profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse coordinator profile: %w", err)
	}
	defaults := DefaultProfile()
	if len(p.Patterns) == 0 {
		p.Patterns = defaults.Patterns
	}
	if len(p.FamilySafeguards) == 0 {
		p.FamilySafeguards = defaults.FamilySafeguards
	}
	if len(p.BaselineSafeguards) == 0 {
		p.BaselineSafeguards = defaults.BaselineSafeguards
	}
	if p.MaxCriteria <= 0 {
		p.MaxCriteria = defaults.MaxCriteria
	}
	for _, pat := range p.Patterns {
		switch pat.Action {
		case ActionNone, ActionDownscope, ActionBlock:
		default:
			return nil, fmt.Errorf("coordinator profile: pattern %s has unknown action %q", pat.Code, pat.Action)
		}
	}
	return &p, nil
}
