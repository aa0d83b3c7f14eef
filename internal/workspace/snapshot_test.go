package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTreeOrdering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "zz.txt"), "z")
	writeFile(t, filepath.Join(dir, "aa.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "inner.go"), "package sub")
	writeFile(t, filepath.Join(dir, ".hidden"), "x")
	writeFile(t, filepath.Join(dir, "node_modules", "dep.js"), "{}")

	out := Tree(dir)

	assert.NotContains(t, out, ".hidden")
	assert.NotContains(t, out, "node_modules")

	// Directories come before files, both alphabetical.
	subIdx := strings.Index(out, "sub/")
	aaIdx := strings.Index(out, "aa.txt")
	zzIdx := strings.Index(out, "zz.txt")
	require.True(t, subIdx >= 0 && aaIdx >= 0 && zzIdx >= 0)
	assert.Less(t, subIdx, aaIdx)
	assert.Less(t, aaIdx, zzIdx)
}

func TestTreeNodeCap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < MaxTreeNodes+50; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("file-%04d.txt", i)), "x")
	}

	out := Tree(dir)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	marker := fmt.Sprintf("... (tree truncated at %d entries)", MaxTreeNodes)
	count := 0
	for _, line := range lines {
		if line == marker {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one truncation marker")

	// Root line + capped entries + marker.
	assert.Len(t, lines, 1+MaxTreeNodes+1)
}

func TestTreeDepthBound(t *testing.T) {
	dir := t.TempDir()
	deep := dir
	for i := 0; i < MaxTreeDepth+3; i++ {
		deep = filepath.Join(deep, fmt.Sprintf("d%d", i))
	}
	writeFile(t, filepath.Join(deep, "leaf.txt"), "x")

	out := Tree(dir)
	assert.NotContains(t, out, "leaf.txt")
}

func TestResolveFileReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "main.go"), "package main\n")

	blocks := ResolveFileReferences("look at @src/main.go and @src/main.go again", dir)
	require.Len(t, blocks, 1, "duplicate references resolve once")
	assert.Contains(t, blocks[0], `<file path="src/main.go">`)
	assert.Contains(t, blocks[0], "package main")
}

func TestResolveFileReferencesMissingIsSilent(t *testing.T) {
	dir := t.TempDir()
	blocks := ResolveFileReferences("check @missing/file.ts please", dir)
	assert.Empty(t, blocks)
}

func TestResolveFileReferencesTruncation(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("a", MaxRefBytes+100)
	writeFile(t, filepath.Join(dir, "big.txt"), big)

	blocks := ResolveFileReferences("see @big.txt", dir)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], fmt.Sprintf("showing %d of %d bytes", MaxRefBytes, MaxRefBytes+100))
}

func TestResolveFileReferencesNoTokens(t *testing.T) {
	assert.Nil(t, ResolveFileReferences("no references here", t.TempDir()))
}
