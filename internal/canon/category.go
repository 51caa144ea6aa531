package canon

import (
	"regexp"
	"strings"
)

// Category labels assigned by keyword classification.
const (
	CategoryReentrancy    = "reentrancy"
	CategoryFlashLoan     = "flash-loan"
	CategoryOracle        = "oracle-manipulation"
	CategoryAccessControl = "access-control"
	CategoryBridge        = "bridge"
	CategoryRugpull       = "rugpull"
	CategoryMEV           = "mev"
	CategoryContractBug   = "smart-contract-bug"
)

// Checked in order; the first matching rule wins.
var categoryRules = []struct {
	category string
	re       *regexp.Regexp
}{
	{CategoryReentrancy, regexp.MustCompile(`(?i)\bre-?entran(cy|t)\b`)},
	{CategoryFlashLoan, regexp.MustCompile(`(?i)\bflash[- ]?loans?\b`)},
	{CategoryOracle, regexp.MustCompile(`(?i)\b(oracle|price manipulation)\b`)},
	{CategoryRugpull, regexp.MustCompile(`(?i)\b(rug[- ]?pull(ed)?|exit scam)\b`)},
	{CategoryAccessControl, regexp.MustCompile(`(?i)\b(access control|private key|compromised key|admin key|privilege|unauthori[sz]ed)\b`)},
	{CategoryBridge, regexp.MustCompile(`(?i)\b(bridge|cross-chain|ibc)\b`)},
	{CategoryMEV, regexp.MustCompile(`(?i)\b(mev|sandwich|front-?run(ning)?)\b`)},
	{CategoryContractBug, regexp.MustCompile(`(?i)\b(logic (bug|error|flaw)|integer overflow|rounding|smart contract (bug|vulnerability)|protocol logic)\b`)},
}

var emptyCategories = map[string]struct{}{"": {}, "unknown": {}, "other": {}, "n/a": {}}

// Classify derives a category from free text. It returns "" when no rule
// matches.
func Classify(text string) string {
	for _, rule := range categoryRules {
		if rule.re.MatchString(text) {
			return rule.category
		}
	}
	return ""
}

// NormalizeCategory maps a source-provided label onto the classification
// labels where possible and slugs it otherwise.
func NormalizeCategory(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := emptyCategories[key]; ok {
		return ""
	}
	if c := Classify(key); c != "" {
		return c
	}
	return strings.Join(strings.Fields(key), "-")
}
