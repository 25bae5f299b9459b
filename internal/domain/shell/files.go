package shell

import (
	"path"
	"path/filepath"
	"strings"
)

// knownExtensions lists file suffixes treated as readable inputs.
var knownExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".go": true, ".rs": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".txt": true, ".md": true, ".log": true, ".csv": true, ".tsv": true,
	".env": true, ".conf": true, ".ini": true, ".sh": true,
	".rb": true, ".pl": true, ".php": true, ".java": true, ".kt": true,
	".swift": true, ".dart": true, ".scala": true, ".clj": true,
	".elm": true, ".nim": true, ".zig": true, ".lua": true, ".tex": true,
	".sql": true, ".xml": true, ".html": true, ".htm": true, ".css": true,
	".tar": true, ".tgz": true, ".zip": true, ".gz": true, ".bz2": true,
	".xz": true, ".7z": true,
}

// specialFilenames are well-known files without a telling extension.
var specialFilenames = map[string]bool{
	"Makefile": true, "Dockerfile": true, "Cargo.toml": true,
	"package.json": true, "Gemfile": true, "Rakefile": true,
	"CMakeLists.txt": true, "go.mod": true, "go.sum": true,
	"Pipfile": true, "pyproject.toml": true, "requirements.txt": true,
	"Vagrantfile": true, "Jenkinsfile": true,
}

// outputValueFlags take a filename value that the command writes, not reads.
var outputValueFlags = map[string]bool{
	"-o": true, "--output": true,
}

// extractInputFiles scans one command segment for file-like arguments the
// command reads. Output-redirect targets, -o values, globs, variables and
// extensionless paths are excluded; input-redirect targets are included.
func extractInputFiles(seg segment) []string {
	var files []string
	words := stripSudo(seg.words)

	skipNext := false
	for i, w := range words {
		if i == 0 {
			continue
		}
		if skipNext {
			skipNext = false
			continue
		}
		w = unquote(w)
		if strings.HasPrefix(w, "-") {
			skipNext = outputValueFlags[w]
			continue
		}
		if looksLikeInputFile(w) {
			files = append(files, w)
		}
	}

	for _, r := range seg.redirs {
		if !strings.HasSuffix(r.op, "<") {
			continue
		}
		target := unquote(r.target)
		if looksLikeInputFile(target) {
			files = append(files, target)
		}
	}
	return files
}

// stripSudo drops a leading sudo and its flags so the real command is first.
func stripSudo(words []string) []string {
	if len(words) == 0 || unquote(words[0]) != "sudo" {
		return words
	}
	rest := words[1:]
	for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
		rest = rest[1:]
	}
	return rest
}

func looksLikeInputFile(w string) bool {
	if w == "" || strings.HasPrefix(w, "$") {
		return false
	}
	if strings.ContainsAny(w, "*?") {
		return false
	}
	if strings.HasSuffix(w, "/") {
		return false
	}
	base := path.Base(w)
	if specialFilenames[base] {
		return true
	}
	// Makefile.dev, Dockerfile.prod and friends
	if strings.HasPrefix(base, "Makefile") || strings.HasPrefix(base, "Dockerfile") {
		return true
	}
	return knownExtensions[strings.ToLower(filepath.Ext(base))]
}
