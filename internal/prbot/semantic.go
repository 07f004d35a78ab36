package prbot

import (
	"fmt"
	"regexp"
	"strings"
)

// Category represents the type of changes in a PR
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryArchitecture Category = "architecture"
	CategoryMigrations   Category = "migrations"
	CategoryRoutine      Category = "routine"
)

var (
	securityPatterns = compileAll(
		`(?i)auth`,
		`(?i)password`,
		`(?i)credential`,
		`(?i)secret`,
		`(?i)token`,
		`(?i)crypt`,
		`(?i)permission`,
		`(?i)jwt`,
		`(?i)oauth`,
		`(?i)session`,
	)

	architecturePatterns = compileAll(
		`(^|/)go\.(mod|sum)$`,
		`(^|/)package(-lock)?\.json$`,
		`(^|/)(Dockerfile|docker-compose\.ya?ml)$`,
		`(?i)(^|/)api/`,
		`(^|/)\.github/workflows/`,
	)

	migrationPatterns = compileAll(
		`(?i)(^|/)migrations?/`,
		`(?i)\.sql$`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// Classify categorizes a change by the paths it touches
func Classify(files []string) Category {
	// Check in order of priority
	if matchesAny(files, securityPatterns) {
		return CategorySecurity
	}
	if matchesAny(files, migrationPatterns) {
		return CategoryMigrations
	}
	if matchesAny(files, architecturePatterns) {
		return CategoryArchitecture
	}
	return CategoryRoutine
}

func matchesAny(files []string, patterns []*regexp.Regexp) bool {
	for _, f := range files {
		for _, re := range patterns {
			if re.MatchString(f) {
				return true
			}
		}
	}
	return false
}

// NeedsReview returns true if the category warrants a human look before merge
func NeedsReview(category Category) bool {
	return category != CategoryRoutine
}

// ChangeSummary lists up to max files, one per line, as markdown bullets
func ChangeSummary(files []string, max int) string {
	if len(files) == 0 {
		return "- Changes made"
	}
	var b strings.Builder
	for i, f := range files {
		if i == max {
			fmt.Fprintf(&b, "- ... and %d more\n", len(files)-max)
			break
		}
		b.WriteString("- `")
		b.WriteString(f)
		b.WriteString("`\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
