package permission

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/agentdock/agentdock/pkg/types"
)

// DecideCommand returns true when the shell command is allowed to run.
// Read-only sandbox denies all commands. With an empty allow list everything
// is allowed (no restriction configured); otherwise the command must start
// with one of the allowed prefixes. Compound commands (pipes, &&, ;) are
// split shell-aware and every sub-command must pass.
func (p *Policy) DecideCommand(command string) bool {
	if p.Sandbox == types.SandboxReadOnly {
		return false
	}
	if len(p.AllowedCommands) == 0 {
		return true
	}

	subs, err := splitCommands(command)
	if err != nil || len(subs) == 0 {
		// Unparseable input falls back to matching the whole string.
		return p.commandAllowed(strings.TrimSpace(command))
	}

	for _, sub := range subs {
		if !p.commandAllowed(sub) {
			return false
		}
	}
	return true
}

func (p *Policy) commandAllowed(command string) bool {
	for _, prefix := range p.AllowedCommands {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// splitCommands parses a shell command line and returns each simple command
// as a flat "name arg arg" string.
func splitCommands(command string) ([]string, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}

	var commands []string
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if flat := flattenCall(call); flat != "" {
				commands = append(commands, flat)
			}
		}
		return true
	})
	return commands, nil
}

func flattenCall(call *syntax.CallExpr) string {
	var words []string
	for _, arg := range call.Args {
		if w := wordToString(arg); w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

// wordToString renders the literal parts of a shell word. Expansions are
// dropped rather than guessed at.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		}
	}
	return sb.String()
}
