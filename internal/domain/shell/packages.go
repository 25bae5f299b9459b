package shell

import (
	"path"
	"strings"
)

// extractMode controls how many positional targets an invocation names.
type extractMode int

const (
	// modeAll collects every qualifying positional argument (install verbs).
	modeAll extractMode = iota
	// modeFirst collects only the first positional argument; the remainder
	// belongs to the launched tool (run verbs like npx or uvx).
	modeFirst
)

// pmRule matches one package-manager invocation shape under a command name.
type pmRule struct {
	ecosystem string
	sub       []string // required subcommand words, longest match wins
	mode      extractMode
	skipAfter map[string]bool // flags whose value is consumed, not a package
}

var pipSkips = map[string]bool{"-r": true, "--requirement": true, "-e": true, "--editable": true}
var condaSkips = map[string]bool{"-n": true, "--name": true, "-c": true, "--channel": true}

// dockerValueFlags are docker/podman run flags that consume the next word.
var dockerValueFlags = map[string]bool{
	"-v": true, "--volume": true, "-e": true, "--env": true,
	"-p": true, "--publish": true, "--name": true, "--network": true,
	"-w": true, "--workdir": true, "--entrypoint": true,
	"-u": true, "--user": true, "--mount": true, "--label": true,
	"--add-host": true, "--platform": true,
}

var packageRules = map[string][]pmRule{
	"npm": {
		{ecosystem: "node", sub: []string{"install"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"i"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"exec"}, mode: modeFirst},
	},
	"npx":  {{ecosystem: "node", mode: modeFirst}},
	"pnpx": {{ecosystem: "node", mode: modeFirst}},
	"pnpm": {
		{ecosystem: "node", sub: []string{"install"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"i"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"dlx"}, mode: modeFirst},
	},
	"yarn": {
		{ecosystem: "node", sub: []string{"global", "add"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"add"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"dlx"}, mode: modeFirst},
	},
	"bunx":      {{ecosystem: "node", mode: modeFirst}},
	"component": {{ecosystem: "node", sub: []string{"install"}, mode: modeAll}},
	"volo":      {{ecosystem: "node", sub: []string{"add"}, mode: modeAll}},
	"ender":     {{ecosystem: "node", sub: []string{"build"}, mode: modeAll}},

	"pip":  {{ecosystem: "python", sub: []string{"install"}, mode: modeAll, skipAfter: pipSkips}},
	"pip3": {{ecosystem: "python", sub: []string{"install"}, mode: modeAll, skipAfter: pipSkips}},
	"pipx": {
		{ecosystem: "python", sub: []string{"run"}, mode: modeFirst},
		{ecosystem: "python", sub: []string{"install"}, mode: modeAll},
	},
	"poetry": {
		{ecosystem: "python", sub: []string{"add"}, mode: modeAll},
		{ecosystem: "python", sub: []string{"run"}, mode: modeFirst},
	},
	"uv": {
		{ecosystem: "python", sub: []string{"pip", "install"}, mode: modeAll, skipAfter: pipSkips},
		{ecosystem: "python", sub: []string{"add"}, mode: modeAll},
	},
	"uvx":        {{ecosystem: "python", mode: modeFirst}},
	"conda":      {{ecosystem: "python", sub: []string{"install"}, mode: modeAll, skipAfter: condaSkips}},
	"mamba":      {{ecosystem: "python", sub: []string{"install"}, mode: modeAll, skipAfter: condaSkips}},
	"micromamba": {{ecosystem: "python", sub: []string{"install"}, mode: modeAll, skipAfter: condaSkips}},
	"pyenv":      {{ecosystem: "python", sub: []string{"install"}, mode: modeAll}},
	"pixi":       {{ecosystem: "python", sub: []string{"run"}, mode: modeFirst}},

	"cargo": {
		{ecosystem: "rust", sub: []string{"add"}, mode: modeAll},
		{ecosystem: "rust", sub: []string{"install"}, mode: modeAll},
		{ecosystem: "rust", sub: []string{"binstall"}, mode: modeAll},
		{ecosystem: "rust", sub: []string{"quickinstall"}, mode: modeAll},
	},
	"cargo-binstall": {{ecosystem: "rust", mode: modeAll}},
	"rustup":         {{ecosystem: "rust", sub: []string{"run"}, mode: modeFirst}},

	"gem": {{ecosystem: "ruby", sub: []string{"install"}, mode: modeAll}},
	"bundle": {
		{ecosystem: "ruby", sub: []string{"add"}, mode: modeAll},
		{ecosystem: "ruby", sub: []string{"exec"}, mode: modeFirst},
	},
	"rbenv": {{ecosystem: "ruby", sub: []string{"install"}, mode: modeAll}},

	"jbang":    {{ecosystem: "java", mode: modeFirst}},
	"jgo":      {{ecosystem: "java", mode: modeFirst}},
	"coursier": {{ecosystem: "scala", sub: []string{"launch"}, mode: modeFirst}},
	"cs":       {{ecosystem: "scala", sub: []string{"launch"}, mode: modeFirst}},
	"mill":     {{ecosystem: "scala", sub: []string{"run"}, mode: modeFirst}},
	"ammonite": {{ecosystem: "scala", mode: modeFirst}},
	"amm":      {{ecosystem: "scala", mode: modeFirst}},
	"sbt":      {{ecosystem: "scala", mode: modeFirst}},

	"clj":      {{ecosystem: "clojure", mode: modeFirst}},
	"bb":       {{ecosystem: "clojure", mode: modeFirst}},
	"babashka": {{ecosystem: "clojure", mode: modeFirst}},

	"nix": {
		{ecosystem: "nix", sub: []string{"run"}, mode: modeAll},
		{ecosystem: "nix", sub: []string{"shell"}, mode: modeAll},
	},
	"guix":    {{ecosystem: "guix", sub: []string{"shell"}, mode: modeAll}},
	"flatpak": {{ecosystem: "linux", sub: []string{"run"}, mode: modeFirst}},
	"snap":    {{ecosystem: "linux", sub: []string{"run"}, mode: modeFirst}},

	"cabal": {{ecosystem: "haskell", sub: []string{"run"}, mode: modeFirst}},
	"ghcup": {{ecosystem: "haskell", sub: []string{"install"}, mode: modeAll}},

	"opam": {{ecosystem: "ocaml", sub: []string{"install"}, mode: modeAll}},
	"esy":  {{ecosystem: "ocaml", mode: modeFirst}},

	"dart":    {{ecosystem: "dart", sub: []string{"pub", "global", "activate"}, mode: modeAll}},
	"flutter": {{ecosystem: "dart", sub: []string{"pub", "run"}, mode: modeFirst}},

	"composer": {
		{ecosystem: "php", sub: []string{"global", "require"}, mode: modeAll},
		{ecosystem: "php", sub: []string{"require"}, mode: modeAll},
	},
	"phive": {{ecosystem: "php", sub: []string{"install"}, mode: modeAll}},

	"cpanm": {{ecosystem: "perl", mode: modeAll}},
	"cpm":   {{ecosystem: "perl", sub: []string{"install"}, mode: modeAll}},
	"ppm":   {{ecosystem: "perl", sub: []string{"install"}, mode: modeAll}},

	"luarocks": {{ecosystem: "lua", sub: []string{"install"}, mode: modeAll}},

	"mint":     {{ecosystem: "swift", sub: []string{"run"}, mode: modeFirst}},
	"marathon": {{ecosystem: "swift", sub: []string{"run"}, mode: modeFirst}},

	"wasmer": {{ecosystem: "wasm", sub: []string{"run"}, mode: modeFirst}},
	"wapm":   {{ecosystem: "wasm", sub: []string{"install"}, mode: modeAll}},

	"conan":    {{ecosystem: "cpp", sub: []string{"install"}, mode: modeAll}},
	"vcpkg":    {{ecosystem: "cpp", sub: []string{"install"}, mode: modeAll}},
	"clib":     {{ecosystem: "cpp", sub: []string{"install"}, mode: modeAll}},
	"buckaroo": {{ecosystem: "cpp", sub: []string{"install"}, mode: modeAll}},

	"brew":         {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"apt":          {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"apt-get":      {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"yum":          {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"dnf":          {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"zypper":       {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"apk":          {{ecosystem: "system", sub: []string{"add"}, mode: modeAll}},
	"pkg":          {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"emerge":       {{ecosystem: "system", mode: modeAll}},
	"xbps-install": {{ecosystem: "system", mode: modeAll}},
	"pkgin":        {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"opkg":         {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"scoop":        {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"winget":       {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"choco":        {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},
	"chocolatey":   {{ecosystem: "system", sub: []string{"install"}, mode: modeAll}},

	"asdf":    {{ecosystem: "version", sub: []string{"install"}, mode: modeAll}},
	"fnm":     {{ecosystem: "version", sub: []string{"use"}, mode: modeAll}},
	"juliaup": {{ecosystem: "version", sub: []string{"add"}, mode: modeAll}},
	"volta": {
		{ecosystem: "version", sub: []string{"install"}, mode: modeAll},
		{ecosystem: "node", sub: []string{"run"}, mode: modeFirst},
	},

	"spack":     {{ecosystem: "hpc", sub: []string{"install"}, mode: modeAll}},
	"easybuild": {{ecosystem: "hpc", mode: modeAll}},

	"bazel":   {{ecosystem: "build", sub: []string{"run"}, mode: modeFirst}},
	"buck2":   {{ecosystem: "build", sub: []string{"run"}, mode: modeFirst}},
	"earthly": {{ecosystem: "build", mode: modeFirst}},
	"pants":   {{ecosystem: "build", sub: []string{"run"}, mode: modeFirst}},

	"elm":    {{ecosystem: "elm", sub: []string{"install"}, mode: modeAll}},
	"zig":    {{ecosystem: "zig", sub: []string{"fetch"}, mode: modeAll}},
	"nimble": {{ecosystem: "nim", sub: []string{"install"}, mode: modeAll}},
	"raco":   {{ecosystem: "racket", sub: []string{"pkg", "install"}, mode: modeAll}},
	"ros":    {{ecosystem: "lisp", sub: []string{"install"}, mode: modeAll}},
	"tlmgr":  {{ecosystem: "tex", sub: []string{"install"}, mode: modeAll}},
}

// extractPackages classifies one command segment against the package-manager
// table and returns its ecosystem and install/run targets.
func extractPackages(words []string) (string, []string) {
	words = stripSudo(words)
	if len(words) == 0 {
		return "", nil
	}
	cmd := path.Base(unquote(words[0]))
	args := words[1:]

	// shapes the generic table cannot express
	switch cmd {
	case "python", "python3", "python2":
		return pythonPipPackages(args)
	case "nix-shell":
		return "nix", flagValuesAfter(args, "-p")
	case "pacman":
		return pacmanPackages(args)
	case "docker", "podman":
		if len(args) > 0 && args[0] == "run" {
			return "docker", dockerImage(args[1:])
		}
		return "", nil
	case "kubectl":
		if len(args) > 0 && args[0] == "run" {
			return "docker", kubectlImage(args[1:])
		}
		return "", nil
	case "go":
		return goPackages(args)
	case "stack":
		if len(args) > 0 && args[0] == "run" {
			return "haskell", flagValuesAfter(args[1:], "--package")
		}
		return "", nil
	}

	// cargo run only names a package through --example
	if cmd == "cargo" && len(args) > 0 && args[0] == "run" {
		return "rust", flagValuesAfter(args[1:], "--example")
	}

	rules, ok := packageRules[cmd]
	if !ok {
		return "", nil
	}
	var best *pmRule
	for i := range rules {
		r := &rules[i]
		if !hasSubcommand(args, r.sub) {
			continue
		}
		if best == nil || len(r.sub) > len(best.sub) {
			best = r
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ecosystem, collectTargets(args[len(best.sub):], best.mode, best.skipAfter)
}

func hasSubcommand(args, sub []string) bool {
	if len(args) < len(sub) {
		return false
	}
	for i, s := range sub {
		if unquote(args[i]) != s {
			return false
		}
	}
	return true
}

// collectTargets filters positional arguments into package names: flags,
// flag values, paths and the current directory are skipped.
func collectTargets(args []string, mode extractMode, skipAfter map[string]bool) []string {
	var pkgs []string
	skipNext := false
	for _, raw := range args {
		if skipNext {
			skipNext = false
			continue
		}
		arg := unquote(raw)
		if strings.HasPrefix(arg, "-") {
			skipNext = skipAfter[arg]
			continue
		}
		if isPathToken(arg) {
			continue
		}
		pkgs = append(pkgs, arg)
		if mode == modeFirst {
			break
		}
	}
	return pkgs
}

func isPathToken(arg string) bool {
	return arg == "." || arg == ".." ||
		strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") ||
		strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, "~")
}

// flagValuesAfter collects the positional values following each occurrence
// of flag, stopping at the next flag. Covers repeatable flags (--package)
// and multi-value flags (nix-shell -p) alike; flag=value is also accepted.
func flagValuesAfter(args []string, flag string) []string {
	var values []string
	collecting := false
	for _, raw := range args {
		arg := unquote(raw)
		if v, ok := strings.CutPrefix(arg, flag+"="); ok {
			values = append(values, v)
			collecting = false
			continue
		}
		if arg == flag {
			collecting = true
			continue
		}
		if strings.HasPrefix(arg, "-") {
			collecting = false
			continue
		}
		if collecting {
			values = append(values, arg)
		}
	}
	return values
}

// pythonPipPackages handles `python -m pip install ...`.
func pythonPipPackages(args []string) (string, []string) {
	for i := 0; i+2 < len(args); i++ {
		if args[i] == "-m" && args[i+1] == "pip" && args[i+2] == "install" {
			return "python", collectTargets(args[i+3:], modeAll, pipSkips)
		}
	}
	return "", nil
}

// pacmanPackages extracts targets of a pacman sync operation (-S, -Sy, ...).
func pacmanPackages(args []string) (string, []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-S") {
			return "system", collectTargets(args[i+1:], modeAll, nil)
		}
	}
	return "", nil
}

// dockerImage returns the image of a docker/podman run: the first positional
// argument after skipping flags and their values.
func dockerImage(args []string) []string {
	skipNext := false
	for _, raw := range args {
		if skipNext {
			skipNext = false
			continue
		}
		arg := unquote(raw)
		if strings.HasPrefix(arg, "-") {
			skipNext = dockerValueFlags[arg] && !strings.Contains(arg, "=")
			continue
		}
		return []string{arg}
	}
	return nil
}

// kubectlImage pulls the image from kubectl run's --image flag.
func kubectlImage(args []string) []string {
	for i, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--image="); ok {
			return []string{unquote(v)}
		}
		if arg == "--image" && i+1 < len(args) {
			return []string{unquote(args[i+1])}
		}
	}
	return nil
}

// goPackages keeps only arguments shaped like module paths: a dotted first
// path element, an optional @version suffix or a /... wildcard.
func goPackages(args []string) (string, []string) {
	if len(args) == 0 || (args[0] != "install" && args[0] != "run") {
		return "", nil
	}
	var pkgs []string
	for _, raw := range args[1:] {
		arg := unquote(raw)
		if strings.HasPrefix(arg, "-") || isPathToken(arg) {
			continue
		}
		if looksLikeGoModule(arg) {
			pkgs = append(pkgs, arg)
		}
	}
	return "go", pkgs
}

func looksLikeGoModule(arg string) bool {
	base, _, _ := strings.Cut(arg, "@")
	base = strings.TrimSuffix(base, "/...")
	first, rest, found := strings.Cut(base, "/")
	if !found || rest == "" {
		return false
	}
	return strings.Contains(first, ".")
}
