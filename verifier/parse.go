package verifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	matchedScore   = decimal.RequireFromString("0.9")
	unmatchedScore = decimal.RequireFromString("0.1")

	creditsPattern = regexp.MustCompile(`(\d{2,3})`)
)

// ParseVerdict treats any "yes" in the answer, case-insensitively, as a match.
// The score is categorical: 0.9 for a match, 0.1 otherwise.
func ParseVerdict(answer string) (bool, decimal.Decimal) {
	matched := strings.Contains(strings.ToLower(answer), "yes")
	if matched {
		return true, matchedScore
	}
	return false, unmatchedScore
}

// ParseSuggestedCredits takes the first 2-3 digit number in the answer,
// defaults to 30 and clamps to [30, 100].
func ParseSuggestedCredits(answer string) int {
	credits := DefaultTaskCredits
	if m := creditsPattern.FindStringSubmatch(strings.ToLower(answer)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			credits = n
		}
	}
	return ClampCredits(credits)
}

func ClampCredits(n int) int {
	if n < MinTaskCredits {
		return MinTaskCredits
	}
	if n > MaxTaskCredits {
		return MaxTaskCredits
	}
	return n
}
