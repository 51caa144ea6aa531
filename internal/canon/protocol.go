package canon

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const maxProtocolLen = 100

var (
	titlePrefixRE = regexp.MustCompile(`(?i)^\s*(post[- ]?mortem|hack analysis|incident (report|analysis)|exploit analysis|breaking|alert|security alert)\s*[:\-|]\s*`)
	titleSplitRE  = regexp.MustCompile(`(?i)\s+-\s+|\s+\|\s+|:\s+|\s+(hack(ed)?|exploit(ed)?|attack(ed)?|incident|drained|rekt)\b`)
)

// NormalizeProtocol collapses whitespace and title-cases names that arrive
// entirely in one case.
func NormalizeProtocol(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return ""
	}
	if name == strings.ToLower(name) && strings.IndexFunc(name, unicode.IsLetter) >= 0 {
		name = cases.Title(language.English).String(name)
	}
	return name
}

// protocolFromTitle takes the leading name from a headline such as
// "Orbit Bridge - REKT" or "Post-Mortem: Euler Finance exploit".
func protocolFromTitle(title string) string {
	title = strings.TrimLeftFunc(title, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	title = titlePrefixRE.ReplaceAllString(title, "")
	if loc := titleSplitRE.FindStringIndex(title); loc != nil {
		title = title[:loc[0]]
	}
	title = strings.Trim(title, " :-|")
	if len(title) > maxProtocolLen {
		title = strings.TrimSpace(title[:maxProtocolLen])
	}
	return NormalizeProtocol(title)
}
