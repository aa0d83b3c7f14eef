package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const searchDescription = `Searches workspace files for a text query.

Usage:
- Plain-text substring search, optionally case-sensitive
- Returns path:line: matches
- Build/VCS directories and dotfiles are skipped`

// Ignore patterns applied while walking, matching the tree snapshot set.
var searchIgnorePatterns = []string{
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/.git/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/vendor/**",
	"**/.venv/**",
	"**/venv/**",
	"**/.*/**",
}

const maxSearchMatches = 200

// searchTool implements plain-text workspace search.
type searchTool struct {
	runner *Runner
}

type searchInput struct {
	Query         string `json:"query"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
}

func newSearchTool(r *Runner) *searchTool { return &searchTool{runner: r} }

func (t *searchTool) Name() string        { return "search_workspace" }
func (t *searchTool) Description() string { return searchDescription }

func (t *searchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The text to search for"
			},
			"caseSensitive": {
				"type": "boolean",
				"description": "Match case exactly (default false)"
			}
		},
		"required": ["query"]
	}`)
}

func (t *searchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params searchInput
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	needle := params.Query
	if !params.CaseSensitive {
		needle = strings.ToLower(needle)
	}

	var sb strings.Builder
	matches := 0

	root := t.runner.root
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			for _, pattern := range searchIgnorePatterns {
				if ok, _ := doublestar.Match(pattern, rel+"/x"); ok {
					return filepath.SkipDir
				}
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if matches >= maxSearchMatches {
			return filepath.SkipAll
		}

		searchFile(path, rel, needle, params.CaseSensitive, &sb, &matches)
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", err
	}

	if matches == 0 {
		return "No matches found.", nil
	}
	if matches >= maxSearchMatches {
		sb.WriteString(fmt.Sprintf("(stopped after %d matches)\n", maxSearchMatches))
	}
	return sb.String(), nil
}

func searchFile(path, rel, needle string, caseSensitive bool, sb *strings.Builder, matches *int) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.IndexByte(line, 0) >= 0 {
			return // binary file
		}

		haystack := line
		if !caseSensitive {
			haystack = strings.ToLower(line)
		}
		if strings.Contains(haystack, needle) {
			if len(line) > 250 {
				line = line[:250] + "..."
			}
			sb.WriteString(fmt.Sprintf("%s:%d: %s\n", rel, lineNum, line))
			*matches++
			if *matches >= maxSearchMatches {
				return
			}
		}
	}
}
