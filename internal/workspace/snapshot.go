// Package workspace builds bounded textual snapshots of the workspace tree
// and resolves inline @path file references for prompt context.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// MaxTreeDepth bounds directory recursion.
	MaxTreeDepth = 6
	// MaxTreeNodes bounds total entries in a snapshot.
	MaxTreeNodes = 400
)

// Directories never included in a snapshot, matching the built-in tool
// ignore set.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	".svn":         true,
	".hg":          true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	"bin":          true,
	"obj":          true,
	".idea":        true,
	".vscode":      true,
	"coverage":     true,
	"tmp":          true,
	".cache":       true,
	".venv":        true,
	"venv":         true,
}

// Tree renders a depth- and node-bounded tree of root. Directories sort
// before files, both alphabetically; dotfiles and the ignore set are
// skipped. When the node cap is hit, exactly one truncation marker line is
// appended and traversal stops.
func Tree(root string) string {
	var sb strings.Builder
	sb.WriteString(filepath.Base(root) + "/\n")

	nodes := 0
	truncated := walkTree(&sb, root, "  ", 1, &nodes)
	if truncated {
		sb.WriteString(fmt.Sprintf("... (tree truncated at %d entries)\n", MaxTreeNodes))
	}
	return sb.String()
}

// walkTree appends entries under dir; returns true once the node cap is hit.
func walkTree(sb *strings.Builder, dir, indent string, depth int, nodes *int) bool {
	if depth > MaxTreeDepth {
		return false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	var dirs, files []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || (entry.IsDir() && ignoredDirs[name]) {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, name)
		} else {
			files = append(files, name)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	for _, name := range dirs {
		if *nodes >= MaxTreeNodes {
			return true
		}
		*nodes++
		sb.WriteString(indent + name + "/\n")
		if walkTree(sb, filepath.Join(dir, name), indent+"  ", depth+1, nodes) {
			return true
		}
	}
	for _, name := range files {
		if *nodes >= MaxTreeNodes {
			return true
		}
		*nodes++
		sb.WriteString(indent + name + "\n")
	}
	return false
}
