package mapping

import (
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RouteMapping is the cached outcome for one upstream route code. When Mapped
// is false the entry is a tombstone and Reason says why.
type RouteMapping struct {
	Code    string `json:"code"`
	RouteID string `json:"routeId,omitempty"`
	Mapped  bool   `json:"mapped"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RouteMapper resolves upstream route codes to canonical route ids by running
// an ordered list of rules. Results are cached for the life of the mapper and
// computed at most once per code.
type RouteMapper struct {
	rules []Rule

	mu    sync.RWMutex
	cache map[string]RouteMapping
	group singleflight.Group
}

// NewRouteMapper creates a mapper that evaluates rules in the given order.
func NewRouteMapper(rules ...Rule) *RouteMapper {
	return &RouteMapper{
		rules: rules,
		cache: make(map[string]RouteMapping),
	}
}

// Resolve returns the mapping for code, computing it on first use.
func (m *RouteMapper) Resolve(code string) RouteMapping {
	m.mu.RLock()
	rm, ok := m.cache[code]
	m.mu.RUnlock()
	if ok {
		return rm
	}

	v, _, _ := m.group.Do(code, func() (interface{}, error) {
		m.mu.RLock()
		rm, ok := m.cache[code]
		m.mu.RUnlock()
		if ok {
			return rm, nil
		}

		rm = m.evaluate(code)

		m.mu.Lock()
		m.cache[code] = rm
		m.mu.Unlock()
		return rm, nil
	})
	return v.(RouteMapping)
}

// Prime resolves every code up front so the first poll does not pay for it.
func (m *RouteMapper) Prime(codes []string) {
	mapped := 0
	for _, code := range codes {
		if m.Resolve(code).Mapped {
			mapped++
		}
	}
	log.Printf("RouteMapper: primed %d upstream routes (%d mapped)", len(codes), mapped)
}

// Mappings returns a snapshot of the cache ordered by code.
func (m *RouteMapper) Mappings() []RouteMapping {
	m.mu.RLock()
	out := make([]RouteMapping, 0, len(m.cache))
	for _, rm := range m.cache {
		out = append(out, rm)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *RouteMapper) evaluate(code string) RouteMapping {
	for _, rule := range m.rules {
		outcome := rule.Apply(code)
		switch outcome.Verdict {
		case Match:
			log.Printf("RouteMapper: mapped upstream route %s to %s (%s)", code, outcome.RouteID, rule.Name)
			return RouteMapping{Code: code, RouteID: outcome.RouteID, Mapped: true, Rule: rule.Name}
		case Stop:
			if rule.Name == RuleBlacklist {
				log.Printf("RouteMapper: not mapping blacklisted route %s", code)
			} else {
				log.Printf("Warning: RouteMapper: route %s unmappable: %s", code, outcome.Reason)
			}
			return RouteMapping{Code: code, Rule: rule.Name, Reason: outcome.Reason}
		}
	}

	log.Printf("Warning: RouteMapper: no rule decided route %s", code)
	return RouteMapping{Code: code, Reason: "no rule matched"}
}
