// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "regexp"

// pattern is one named deny rule. The name is surfaced to callers as the
// rejection reason.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// globalPatterns apply to every language.
var globalPatterns = []pattern{
	{"shell-substitution", regexp.MustCompile(`\$\([^)]*\)`)},
	{"system-file-access", regexp.MustCompile(`/etc/(passwd|shadow|sudoers)`)},
	{"ssh-key-access", regexp.MustCompile(`\.ssh/(id_[a-z0-9]+|authorized_keys)`)},
	{"raw-device-access", regexp.MustCompile(`/dev/(sd[a-z]|nvme\d|disk\d)`)},
	{"recursive-root-delete", regexp.MustCompile(`rm\s+-[rf]{2}\s+/(\s|$|\*)`)},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`)},
}

// languagePatterns apply on top of the global set. typescript shares the
// javascript rules and cpp shares the c rules.
var languagePatterns = map[string][]pattern{
	"python": {
		{"python-os-system", regexp.MustCompile(`os\.system`)},
		{"python-os-popen", regexp.MustCompile(`os\.popen`)},
		{"python-subprocess", regexp.MustCompile(`\bsubprocess\b`)},
		{"python-eval", regexp.MustCompile(`\beval\s*\(`)},
		{"python-exec", regexp.MustCompile(`\bexec\s*\(`)},
		{"python-dunder-import", regexp.MustCompile(`__import__`)},
		{"python-ctypes", regexp.MustCompile(`\bctypes\b`)},
	},
	"javascript": {
		{"js-child-process", regexp.MustCompile(`child_process`)},
		{"js-eval", regexp.MustCompile(`\beval\s*\(`)},
		{"js-function-constructor", regexp.MustCompile(`new\s+Function\s*\(`)},
		{"js-process-binding", regexp.MustCompile(`process\.binding`)},
	},
	"java": {
		{"java-runtime-exec", regexp.MustCompile(`Runtime\s*\.\s*getRuntime\s*\(\s*\)\s*\.\s*exec`)},
		{"java-process-builder", regexp.MustCompile(`ProcessBuilder`)},
		{"java-load-library", regexp.MustCompile(`System\.load(Library)?\s*\(`)},
	},
	"c": {
		{"c-system-call", regexp.MustCompile(`\bsystem\s*\(`)},
		{"c-exec-call", regexp.MustCompile(`\bexec[lv]p?e?\s*\(`)},
		{"c-fork", regexp.MustCompile(`\bfork\s*\(`)},
		{"c-popen", regexp.MustCompile(`\bpopen\s*\(`)},
	},
	"csharp": {
		{"csharp-process-start", regexp.MustCompile(`Process\.Start`)},
		{"csharp-diagnostics-process", regexp.MustCompile(`System\.Diagnostics\.Process`)},
	},
	"rust": {
		{"rust-process-command", regexp.MustCompile(`process::Command`)},
	},
	"go": {
		{"go-os-exec", regexp.MustCompile(`os/exec`)},
		{"go-syscall", regexp.MustCompile(`\bsyscall\b`)},
	},
	"php": {
		{"php-shell-exec", regexp.MustCompile(`shell_exec`)},
		{"php-exec", regexp.MustCompile(`\bexec\s*\(`)},
		{"php-system", regexp.MustCompile(`\bsystem\s*\(`)},
		{"php-passthru", regexp.MustCompile(`\bpassthru\s*\(`)},
		{"php-backtick-exec", regexp.MustCompile("`[^`]*`")},
	},
	"perl": {
		{"perl-system", regexp.MustCompile(`\bsystem\s*[\(\s]`)},
		{"perl-exec", regexp.MustCompile(`\bexec\s*[\(\s]`)},
		{"perl-backtick-exec", regexp.MustCompile("`[^`]*`")},
		{"perl-qx", regexp.MustCompile(`\bqx[\{\(/]`)},
	},
	"ruby": {
		{"ruby-system", regexp.MustCompile(`\bsystem\s*\(`)},
		{"ruby-exec", regexp.MustCompile(`\bexec\s*\(`)},
		{"ruby-backtick-exec", regexp.MustCompile("`[^`]*`")},
		{"ruby-percent-x", regexp.MustCompile(`%x[\{\(\[]`)},
		{"ruby-io-popen", regexp.MustCompile(`IO\.popen`)},
	},
	"lua": {
		{"lua-os-execute", regexp.MustCompile(`os\.execute`)},
		{"lua-io-popen", regexp.MustCompile(`io\.popen`)},
	},
	"swift": {
		{"swift-process", regexp.MustCompile(`\bProcess\s*\(`)},
		{"swift-nstask", regexp.MustCompile(`NSTask`)},
	},
	"objc": {
		{"objc-nstask", regexp.MustCompile(`NSTask`)},
		{"objc-system-call", regexp.MustCompile(`\bsystem\s*\(`)},
	},
}

func init() {
	languagePatterns["typescript"] = languagePatterns["javascript"]
	languagePatterns["cpp"] = languagePatterns["c"]
}
