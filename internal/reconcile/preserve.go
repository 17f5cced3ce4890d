package reconcile

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds gitignore style rules, relative to the sync root, for local files
// the reconciler must never delete.
const IgnoreFileName = ".syftmirrorignore"

// PreserveRules decides which unlisted local files survive reconciliation.
type PreserveRules struct {
	ignore *gitignore.GitIgnore
	lines  []string
}

// LoadPreserveRules combines the configured patterns with the root's ignore file, if any.
func LoadPreserveRules(root string, patterns []string) *PreserveRules {
	lines := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}

	ignorePath := filepath.Join(root, IgnoreFileName)
	if file, err := os.Open(ignorePath); err == nil {
		defer file.Close()

		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
			rules++
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("reconcile read ignore file", "path", ignorePath, "error", err)
		} else {
			slog.Debug("reconcile loaded ignore file", "path", ignorePath, "rules", rules)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("reconcile open ignore file", "path", ignorePath, "error", err)
	}

	return &PreserveRules{ignore: gitignore.CompileIgnoreLines(lines...), lines: lines}
}

// Matches reports whether the slash separated relative path is preserved.
func (p *PreserveRules) Matches(rel string) bool {
	if p == nil || len(p.lines) == 0 {
		return false
	}
	return p.ignore.MatchesPath(rel)
}

// Len is the number of active rules.
func (p *PreserveRules) Len() int {
	if p == nil {
		return 0
	}
	return len(p.lines)
}
