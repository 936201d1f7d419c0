package git

import (
	"strings"

	"github.com/jkaninda/gitguard/internal/security"
)

// ParseStatusPorcelain parses "git status --porcelain=v1" lines:
//
//	XY <path>
//	XY <orig> -> <path>
func ParseStatusPorcelain(out string) []StatusEntry {
	var entries []StatusEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 {
			continue
		}
		e := StatusEntry{XY: line[:2]}
		if len(line) > 3 {
			e.Path = line[3:]
		}
		if orig, path, ok := strings.Cut(e.Path, " -> "); ok {
			e.OrigPath, e.Path = orig, path
		}
		entries = append(entries, e)
	}
	return entries
}

// ParseNameStatus parses "git diff --name-status" lines. Counts are keyed
// by the first letter of the status, so R100 and R087 both count as R.
func ParseNameStatus(out string) *DiffSummary {
	sum := &DiffSummary{Counts: map[string]int{}, Files: []DiffFile{}}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		code := parts[0]
		sum.Counts[code[:1]]++
		sum.Total++
		switch {
		case (code[0] == 'R' || code[0] == 'C') && len(parts) >= 3:
			sum.Files = append(sum.Files, DiffFile{Status: code, From: parts[1], To: parts[2]})
		case len(parts) > 1:
			sum.Files = append(sum.Files, DiffFile{Status: code, Path: parts[1]})
		default:
			sum.Files = append(sum.Files, DiffFile{Status: code})
		}
	}
	return sum
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func invalidf(format string, args ...any) error {
	return security.Errorf(security.KindInvalidArgument, format, args...)
}
