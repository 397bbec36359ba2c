package worker

import "regexp"

// forbiddenPhrases are epistemically weak assertions a worker must not use
// in place of verification evidence. Matched case-insensitively with
// flexible internal whitespace.
var forbiddenPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)should\s+work\s+now`),
	regexp.MustCompile(`(?i)probably\s+passes?`),
	regexp.MustCompile(`(?i)seems?\s+correct`),
	regexp.MustCompile(`(?i)looks?\s+good`),
	regexp.MustCompile(`(?i)i\s+think\s+it('?s|\s+is)?\s+(done|working|correct)`),
	regexp.MustCompile(`(?i)this\s+should\s+be\s+(fine|ok|correct)`),
}

// CheckForbiddenPhrases scans narration for a forbidden phrase and returns
// the first match, or "" when the text is clean. The orchestrator
// downgrades a success claim to failure on any match: verification, not
// vibes.
func CheckForbiddenPhrases(text string) string {
	for _, pattern := range forbiddenPhrases {
		if match := pattern.FindString(text); match != "" {
			return match
		}
	}
	return ""
}
