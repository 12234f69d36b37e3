// Package rating turns completed call records into cost. It holds the rate
// catalog with its longest-prefix lookup, the pure rating function, the
// resolvers that pick a contract or the flat catalog per account, and the
// batch service that persists results.
package rating

import (
	"strings"

	"github.com/ttacon/libphonenumber"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
)

const unknownRegion = "ZZ"

var destinationCleaner = strings.NewReplacer("'", "", "\"", "", "+", "")

// NormalizeDestination converts a dialed number into the international form
// rate prefixes are written in: quotes and plus signs are removed, leading
// zeros stripped, and a local mobile number (leading 8) gets the 62 country
// code.
func NormalizeDestination(destination string) string {
	normalized := destinationCleaner.Replace(destination)
	normalized = strings.TrimLeft(normalized, "0")
	if strings.HasPrefix(normalized, "8") {
		normalized = "62" + normalized
	}
	return normalized
}

// ValidDestination reports whether a normalized destination can be rated.
func ValidDestination(normalized string) bool {
	return normalized != "" && isDigits(normalized)
}

func isDigits(value string) bool {
	for index := 0; index < len(value); index++ {
		if value[index] < '0' || value[index] > '9' {
			return false
		}
	}
	return true
}

// DestinationRegion returns the ISO region of a normalized destination, or
// "ZZ" when it cannot be determined. It is only used as a telemetry label.
func DestinationRegion(normalized string) string {
	if !ValidDestination(normalized) {
		return unknownRegion
	}
	number, err := libphonenumber.Parse("+"+normalized, unknownRegion)
	if err != nil {
		return unknownRegion
	}
	region := libphonenumber.GetRegionCodeForNumber(number)
	if region == "" {
		return unknownRegion
	}
	return region
}

// Ruleset finds the rule that prices a destination.
type Ruleset interface {
	FindRate(destination string) (*model.RateRule, bool)
}

// Catalog is an immutable prefix table built from one set of rate rules.
// Inactive rules and rules whose prefix is not a digit string are left out.
// When several active rules share the winning prefix, the lowest ID wins.
type Catalog struct {
	rulesByPrefix map[string]model.RateRule
	longestPrefix int
}

// NewCatalog indexes rules. The input slice is not retained.
func NewCatalog(rules []model.RateRule) *Catalog {
	catalog := &Catalog{rulesByPrefix: make(map[string]model.RateRule, len(rules))}

	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if !ValidDestination(rule.Prefix) {
			logger.RatingLog.Warnf("rate rule ignored: invalid prefix ruleId=%d prefix=%q", rule.ID, rule.Prefix)
			continue
		}
		if existing, ok := catalog.rulesByPrefix[rule.Prefix]; ok && existing.ID < rule.ID {
			continue
		}
		catalog.rulesByPrefix[rule.Prefix] = rule
		if len(rule.Prefix) > catalog.longestPrefix {
			catalog.longestPrefix = len(rule.Prefix)
		}
	}
	return catalog
}

// Len returns the number of distinct prefixes in the catalog.
func (catalog *Catalog) Len() int {
	if catalog == nil {
		return 0
	}
	return len(catalog.rulesByPrefix)
}

// FindRate normalizes destination and returns a copy of the active rule with
// the longest matching prefix.
func (catalog *Catalog) FindRate(destination string) (*model.RateRule, bool) {
	if catalog == nil || len(catalog.rulesByPrefix) == 0 {
		return nil, false
	}
	normalized := NormalizeDestination(destination)

	length := len(normalized)
	if length > catalog.longestPrefix {
		length = catalog.longestPrefix
	}
	for ; length > 0; length-- {
		if rule, ok := catalog.rulesByPrefix[normalized[:length]]; ok {
			return &rule, true
		}
	}
	return nil, false
}
