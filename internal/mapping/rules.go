package mapping

import (
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/metro-rt/gtfsrt-bridge/internal/models"
)

// Verdict is what a rule decided about a code.
type Verdict int

const (
	// Continue passes the code to the next rule.
	Continue Verdict = iota
	// Match resolves the code to Outcome.RouteID.
	Match
	// Stop makes the code unmappable.
	Stop
)

// Outcome of applying one rule.
type Outcome struct {
	Verdict Verdict
	RouteID string
	Reason  string
}

// Rule is one named step of route resolution.
type Rule struct {
	Name  string
	Apply func(code string) Outcome
}

// Rule names, in default evaluation order.
const (
	RuleStaticOverride = "static-override"
	RuleBlacklist      = "blacklist"
	RuleShortName      = "short-name"
)

// routeCodePattern strips express/school/short-turn variant suffixes
// ("A12v1" -> "A12", "10Bc" -> "10B").
var routeCodePattern = regexp.MustCompile(`^([A-Z0-9]+)(c?v?S?[0-9]?).*$`)

// BaseCode returns the normalized route code, or false when code is malformed.
func BaseCode(code string) (string, bool) {
	m := routeCodePattern.FindStringSubmatch(code)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ShortNameIndex indexes canonical routes by short name, keeping the first route
// in feed order for each name.
type ShortNameIndex struct {
	exact map[string]string // every route, case-sensitive
	rail  map[string]string // rail routes, upper-cased
}

func IndexShortNames(routes []models.Route) ShortNameIndex {
	idx := ShortNameIndex{
		exact: make(map[string]string, len(routes)),
		rail:  make(map[string]string),
	}
	for _, r := range routes {
		if r.ShortName == "" {
			continue
		}
		if _, ok := idx.exact[r.ShortName]; !ok {
			idx.exact[r.ShortName] = r.RouteID
		}
		if r.IsRail() {
			key := strings.ToUpper(r.ShortName)
			if _, ok := idx.rail[key]; !ok {
				idx.rail[key] = r.RouteID
			}
		}
	}
	return idx
}

// DefaultRules builds the standard rule chain: static overrides, then the
// blacklist, then short-name matching on the normalized code.
func DefaultRules(routes []models.Route, overrides map[string]string, blacklist []string) []Rule {
	names := IndexShortNames(routes)
	return []Rule{
		StaticOverrideRule(names, overrides),
		BlacklistRule(blacklist),
		ShortNameRule(names),
	}
}

// StaticOverrideRule maps operator-listed codes to a canonical short name.
func StaticOverrideRule(names ShortNameIndex, overrides map[string]string) Rule {
	return Rule{
		Name: RuleStaticOverride,
		Apply: func(code string) Outcome {
			shortName, ok := overrides[code]
			if !ok {
				return Outcome{Verdict: Continue}
			}
			if routeID, ok := names.exact[shortName]; ok {
				return Outcome{Verdict: Match, RouteID: routeID}
			}
			log.Printf("Warning: RouteMapper: override %s -> %s names no canonical route", code, shortName)
			return Outcome{Verdict: Continue}
		},
	}
}

// BlacklistRule rejects listed codes, and variants whose base code is listed.
func BlacklistRule(blacklist []string) Rule {
	set := make(map[string]bool, len(blacklist))
	for _, code := range blacklist {
		set[code] = true
	}
	return Rule{
		Name: RuleBlacklist,
		Apply: func(code string) Outcome {
			if set[code] {
				return Outcome{Verdict: Stop, Reason: "blacklisted"}
			}
			if base, ok := BaseCode(code); ok && set[base] {
				return Outcome{Verdict: Stop, Reason: fmt.Sprintf("base code %s blacklisted", base)}
			}
			return Outcome{Verdict: Continue}
		},
	}
}

// ShortNameRule normalizes the code and matches it against canonical short
// names: exactly for bus routes, case-insensitively for rail routes. It always
// decides.
func ShortNameRule(names ShortNameIndex) Rule {
	return Rule{
		Name: RuleShortName,
		Apply: func(code string) Outcome {
			base, ok := BaseCode(code)
			if !ok {
				return Outcome{Verdict: Stop, Reason: "malformed"}
			}
			if routeID, ok := names.exact[base]; ok {
				return Outcome{Verdict: Match, RouteID: routeID}
			}
			if routeID, ok := names.rail[strings.ToUpper(base)]; ok {
				return Outcome{Verdict: Match, RouteID: routeID}
			}
			return Outcome{Verdict: Stop, Reason: fmt.Sprintf("no canonical route with short name %s", base)}
		},
	}
}
