package memory

import (
	"regexp"
	"strings"
)

// Fact patterns matched against a fresh compaction summary. Each capture
// becomes a short fragment like "project named checkout-flow".
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bproject (?:named|called) ([\w./-]+)`),
	regexp.MustCompile(`(?i)\bfile (?:named|called) ([\w./-]+)`),
	regexp.MustCompile(`(?i)\bfeature (?:named|called)? ?"?([\w -]{2,40})"?`),
	regexp.MustCompile(`(?i)\bprefers ([\w -]{2,60})`),
	regexp.MustCompile(`(?i)\bdecided to ([\w -]{2,60})`),
}

var factPrefixes = []string{"project named ", "file called ", "feature ", "prefers ", "decided to "}

// ExtractFacts pulls short factual fragments out of a summary.
func ExtractFacts(summary string) []string {
	var facts []string
	for i, pat := range factPatterns {
		for _, m := range pat.FindAllStringSubmatch(summary, -1) {
			frag := strings.TrimSpace(strings.Trim(m[1], `."' `))
			if frag == "" {
				continue
			}
			facts = append(facts, factPrefixes[i]+frag)
		}
	}
	return facts
}

// mergeFacts dedupes new facts against existing ones (case-insensitive)
// and caps the list, dropping oldest on overflow.
func mergeFacts(existing, fresh []string, maxFacts int) []string {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[strings.ToLower(f)] = true
	}
	merged := append([]string(nil), existing...)
	for _, f := range fresh {
		key := strings.ToLower(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, f)
	}
	if len(merged) > maxFacts {
		merged = merged[len(merged)-maxFacts:]
	}
	return merged
}
