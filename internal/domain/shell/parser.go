// Package shell parses bash command lines into sub-commands, referenced
// input files and package-manager install/run targets. Parsing is AST-based
// with a token-splitting fallback; Parse never panics on malformed input.
package shell

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Result is the outcome of parsing one shell command line.
type Result struct {
	// SubCommands are the top-level pipeline segments in order, split at
	// |, ;, && and ||, with redirections attached to their owning segment.
	SubCommands []string

	// InputFiles are file-like arguments the command reads, deduplicated
	// and in order of appearance. Output-redirect targets are excluded.
	InputFiles []string

	// Packages maps an ecosystem (node, python, rust, ...) to the
	// install/run targets named on the command line.
	Packages map[string][]string
}

// segment is one leaf command with its words and attached redirections.
type segment struct {
	words  []string // printed words, quoting preserved
	redirs []redirection
}

type redirection struct {
	op     string // includes a numeric prefix when present, e.g. "2>"
	target string
}

func (s segment) text() string {
	parts := append([]string{}, s.words...)
	for _, r := range s.redirs {
		parts = append(parts, r.op, r.target)
	}
	return strings.Join(parts, " ")
}

// Parse analyzes a bash command line. Syntax errors degrade to a best-effort
// operator split; the result lists are always non-nil.
func Parse(command string) Result {
	res := Result{
		SubCommands: []string{},
		InputFiles:  []string{},
		Packages:    map[string][]string{},
	}
	if strings.TrimSpace(command) == "" {
		return res
	}

	segments := parseSegments(command)
	seenFiles := map[string]bool{}
	for _, seg := range segments {
		if len(seg.words) == 0 {
			continue
		}
		res.SubCommands = append(res.SubCommands, seg.text())
		for _, f := range extractInputFiles(seg) {
			if !seenFiles[f] {
				seenFiles[f] = true
				res.InputFiles = append(res.InputFiles, f)
			}
		}
		eco, pkgs := extractPackages(seg.words)
		if eco != "" && len(pkgs) > 0 {
			res.Packages[eco] = appendUnique(res.Packages[eco], pkgs...)
		}
	}
	return res
}

func parseSegments(command string) []segment {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return fallbackSegments(command)
	}
	var segs []segment
	for _, stmt := range file.Stmts {
		walkStmt(&segs, stmt)
	}
	return segs
}

func walkStmt(segs *[]segment, stmt *syntax.Stmt) {
	if stmt == nil || stmt.Cmd == nil {
		return
	}

	var redirs []redirection
	for _, redir := range stmt.Redirs {
		r := redirection{op: redirectOpString(redir)}
		if redir.Word != nil {
			r.target = wordToString(redir.Word)
		}
		redirs = append(redirs, r)
	}

	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		seg := segment{redirs: redirs}
		for _, word := range cmd.Args {
			seg.words = append(seg.words, wordToString(word))
		}
		if len(seg.words) > 0 {
			*segs = append(*segs, seg)
		}
	case *syntax.BinaryCmd:
		walkStmt(segs, cmd.X)
		walkStmt(segs, cmd.Y)
	case *syntax.Subshell:
		for _, s := range cmd.Stmts {
			walkStmt(segs, s)
		}
	case *syntax.Block:
		for _, s := range cmd.Stmts {
			walkStmt(segs, s)
		}
	}
}

// fallbackSegments splits on pipe characters when the AST parser fails.
func fallbackSegments(command string) []segment {
	var segs []segment
	for _, part := range strings.Split(command, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segs = append(segs, segment{words: strings.Fields(part)})
	}
	return segs
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	printer := syntax.NewPrinter()
	_ = printer.Print(&sb, word)
	return sb.String()
}

func redirectOpString(redir *syntax.Redirect) string {
	var prefix string
	if redir.N != nil {
		prefix = redir.N.Value
	}
	switch redir.Op {
	case syntax.RdrOut:
		return prefix + ">"
	case syntax.AppOut:
		return prefix + ">>"
	case syntax.RdrIn:
		return prefix + "<"
	case syntax.RdrAll:
		return "&>"
	case syntax.AppAll:
		return "&>>"
	default:
		return prefix + redir.Op.String()
	}
}

// unquote strips one level of surrounding quotes from a word.
func unquote(w string) string {
	if len(w) >= 2 {
		if (w[0] == '\'' && w[len(w)-1] == '\'') || (w[0] == '"' && w[len(w)-1] == '"') {
			return w[1 : len(w)-1]
		}
	}
	return w
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range dst {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}
