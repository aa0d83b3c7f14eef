package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentdock/agentdock/internal/logging"
)

// MaxRefBytes caps the inlined content of a single @path reference.
const MaxRefBytes = 32 * 1024

// refPattern matches @relative/path.ext tokens. Paths with spaces are not
// supported; the token ends at whitespace.
var refPattern = regexp.MustCompile(`(^|\s)@([\w./-]+)`)

// ResolveFileReferences scans text for @path tokens and returns content
// blocks for each referenced file, resolved against cwd. Duplicate
// references are resolved once; unreadable or missing paths are skipped
// silently so reference resolution never fails the surrounding turn.
func ResolveFileReferences(text, cwd string) []string {
	matches := refPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var blocks []string
	for _, m := range matches {
		rel := m[2]
		if seen[rel] {
			continue
		}
		seen[rel] = true

		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, rel)
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logging.Debug().Str("path", path).Err(err).Msg("skipping unreadable file reference")
			continue
		}

		content := string(data)
		note := ""
		if len(data) > MaxRefBytes {
			content = content[:MaxRefBytes]
			note = fmt.Sprintf("\n(truncated: showing %d of %d bytes)", MaxRefBytes, len(data))
		}

		blocks = append(blocks, fmt.Sprintf("<file path=%q>\n%s%s\n</file>", rel, strings.TrimRight(content, "\n"), note))
	}
	return blocks
}
