package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Rules is the operator-curated route rules file.
//
//	blacklist: [B99, 10Bv1]
//	overrides:
//	  "5Av1": "5A"
//	rail_routes: [RED, ORANGE]
type Rules struct {
	Blacklist  []string          `yaml:"blacklist" validate:"dive,required"`
	Overrides  map[string]string `yaml:"overrides" validate:"dive,keys,required,endkeys,required"`
	RailRoutes []string          `yaml:"rail_routes" validate:"dive,required"`
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if err := validator.New().Struct(rules); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &rules, nil
}

// apply merges the file over env-provided values. File overrides win on key
// conflicts; blacklists are unioned.
func (r *Rules) apply(cfg *Config) {
	seen := make(map[string]bool, len(cfg.RouteBlacklist))
	for _, code := range cfg.RouteBlacklist {
		seen[code] = true
	}
	for _, code := range r.Blacklist {
		if !seen[code] {
			cfg.RouteBlacklist = append(cfg.RouteBlacklist, code)
			seen[code] = true
		}
	}

	if cfg.RouteStaticOverrides == nil {
		cfg.RouteStaticOverrides = make(map[string]string, len(r.Overrides))
	}
	for code, shortName := range r.Overrides {
		cfg.RouteStaticOverrides[code] = shortName
	}

	if len(r.RailRoutes) > 0 {
		cfg.RailRoutes = r.RailRoutes
	}
}
