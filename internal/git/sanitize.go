package git

import (
	"regexp"
	"strings"
)

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	disallowedRun    = regexp.MustCompile(`[^A-Za-z0-9_.\-/]+`)
	repeatedHyphens  = regexp.MustCompile(`-{2,}`)
	repeatedDots     = regexp.MustCompile(`\.{2,}`)
	repeatedSlashes  = regexp.MustCompile(`/{2,}`)
	sessionNameChars = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)
)

// SanitizeSessionName turns arbitrary user text into a name usable both as a
// git branch and as a worktree directory. It returns "" when nothing usable
// survives; callers treat that as a validation failure.
//
// The result only contains [A-Za-z0-9_.-/], never contains "..", never starts
// with '-', '.' or '/', and never ends with '.', '/' or ".lock".
// SanitizeSessionName(SanitizeSessionName(s)) == SanitizeSessionName(s).
func SanitizeSessionName(raw string) string {
	s := whitespaceRun.ReplaceAllString(raw, "-")
	s = disallowedRun.ReplaceAllString(s, "-")
	s = repeatedHyphens.ReplaceAllString(s, "-")
	s = repeatedDots.ReplaceAllString(s, ".")
	s = repeatedSlashes.ReplaceAllString(s, "/")

	// Trimming one kind of character can expose another ("a.-" -> "a."),
	// so keep trimming until nothing changes.
	for {
		prev := s
		s = strings.TrimLeft(s, "-./")
		s = strings.TrimRight(s, "./")
		if strings.HasSuffix(s, ".lock") {
			s = strings.TrimRight(strings.TrimSuffix(s, ".lock"), "./")
		}
		s = strings.Trim(s, "-")
		if s == prev {
			break
		}
	}

	if strings.Contains(s, "..") {
		return ""
	}
	return s
}

// ValidateSessionName checks a name that is about to become a branch and a
// directory. It is meant to run on SanitizeSessionName output.
func ValidateSessionName(name string) error {
	reason := ""
	switch {
	case name == "":
		reason = "name is empty after removing unsupported characters"
	case !sessionNameChars.MatchString(name):
		reason = "only letters, digits, '_', '.', '-' and '/' are allowed"
	case strings.HasPrefix(name, "-"), strings.HasPrefix(name, "."):
		reason = "must not start with '-' or '.'"
	case strings.HasSuffix(name, ".lock"):
		reason = "must not end with '.lock'"
	case strings.HasSuffix(name, "."):
		reason = "must not end with '.'"
	case strings.Contains(name, ".."):
		reason = "must not contain '..'"
	default:
		reason = componentProblem(name)
		if reason == "" {
			return nil
		}
	}
	return &ValidationError{Field: "session name", Value: name, Reason: reason, Err: ErrInvalidBranchName}
}

// componentProblem applies git's per-component ref rules to each
// '/'-separated part of name.
func componentProblem(name string) string {
	for _, part := range strings.Split(name, "/") {
		switch {
		case part == "":
			return "must not have empty path components"
		case strings.HasPrefix(part, "."):
			return "path components must not start with '.'"
		case strings.HasSuffix(part, ".lock"):
			return "path components must not end with '.lock'"
		}
	}
	return ""
}

// isSafeRef reports whether name can be passed to git as a ref argument
// without being mistaken for an option or a range.
func isSafeRef(name string) bool {
	return name != "" &&
		sessionNameChars.MatchString(name) &&
		!strings.HasPrefix(name, "-") &&
		!strings.Contains(name, "..")
}
