// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package languages defines the static registry of supported languages:
// display names, source suffixes, run recipes and default packages.
package languages

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Descriptor describes one supported language toolchain. Descriptors are
// immutable; the full set is fixed at build time.
type Descriptor struct {
	// ID is the lowercase token callers use (e.g. "python").
	ID string
	// DisplayName is the human-readable name.
	DisplayName string
	// Version is the toolchain version label.
	Version string
	// Extension is the source file suffix including the dot.
	Extension string
	// Command is the argv template for direct invocation; the literal
	// "{file}" is replaced with the absolute source path. Empty for
	// languages that build through a compile-then-run pipeline.
	Command []string
	// Compiled marks languages that build an artifact before running it.
	Compiled bool
	// DefaultPackages are installed into the language's base workspace.
	DefaultPackages []string
}

// Invocation is the concrete command for one run of a source file.
type Invocation struct {
	// Args is the argv to execute; Args[0] is the program.
	Args []string
}

// registry holds every supported language in registration order.
var registry = []Descriptor{
	{
		ID:              "python",
		DisplayName:     "Python",
		Version:         "3.11",
		Extension:       ".py",
		Command:         []string{"python3", "-u", "{file}"},
		DefaultPackages: []string{"requests", "numpy"},
	},
	{
		ID:          "javascript",
		DisplayName: "JavaScript",
		Version:     "node-20",
		Extension:   ".js",
		Command:     []string{"node", "{file}"},
	},
	{
		ID:              "typescript",
		DisplayName:     "TypeScript",
		Version:         "5.x",
		Extension:       ".ts",
		Command:         []string{"npx", "ts-node", "--transpile-only", "{file}"},
		DefaultPackages: []string{"typescript", "ts-node", "@types/node"},
	},
	{
		ID:          "java",
		DisplayName: "Java",
		Version:     "openjdk-17",
		Extension:   ".java",
		Compiled:    true,
	},
	{
		ID:          "c",
		DisplayName: "C",
		Version:     "gcc-13",
		Extension:   ".c",
		Compiled:    true,
	},
	{
		ID:          "cpp",
		DisplayName: "C++",
		Version:     "g++-13 (c++17)",
		Extension:   ".cpp",
		Compiled:    true,
	},
	{
		ID:          "csharp",
		DisplayName: "C#",
		Version:     "mono-6.12",
		Extension:   ".cs",
		Compiled:    true,
	},
	{
		ID:          "rust",
		DisplayName: "Rust",
		Version:     "1.75",
		Extension:   ".rs",
		Compiled:    true,
	},
	{
		ID:          "go",
		DisplayName: "Go",
		Version:     "1.21",
		Extension:   ".go",
		Command:     []string{"go", "run", "{file}"},
	},
	{
		ID:          "php",
		DisplayName: "PHP",
		Version:     "8.2",
		Extension:   ".php",
		Command:     []string{"php", "{file}"},
	},
	{
		ID:          "perl",
		DisplayName: "Perl",
		Version:     "5.38",
		Extension:   ".pl",
		Command:     []string{"perl", "{file}"},
	},
	{
		ID:          "ruby",
		DisplayName: "Ruby",
		Version:     "3.2",
		Extension:   ".rb",
		Command:     []string{"ruby", "{file}"},
	},
	{
		ID:          "lua",
		DisplayName: "Lua",
		Version:     "5.4",
		Extension:   ".lua",
		Command:     []string{"lua", "{file}"},
	},
	{
		ID:          "swift",
		DisplayName: "Swift",
		Version:     "5.9",
		Extension:   ".swift",
		Compiled:    true,
	},
	{
		ID:          "objc",
		DisplayName: "Objective-C",
		Version:     "clang-17",
		Extension:   ".m",
		Compiled:    true,
	},
}

var byID = func() map[string]Descriptor {
	m := make(map[string]Descriptor, len(registry))
	for _, d := range registry {
		m[d.ID] = d
	}
	return m
}()

// Lookup returns the descriptor for the given id. Ids match case-sensitively.
func Lookup(id string) (Descriptor, bool) {
	d, ok := byID[id]
	return d, ok
}

// All returns every descriptor in registration order.
func All() []Descriptor {
	out := make([]Descriptor, len(registry))
	copy(out, registry)
	return out
}

// IDs returns every language id in registration order.
func IDs() []string {
	ids := make([]string, len(registry))
	for i, d := range registry {
		ids[i] = d.ID
	}
	return ids
}

// BuildInvocation assembles the command that runs file. buildDir receives
// compile artifacts for pipeline languages and must already exist for them.
func (d Descriptor) BuildInvocation(file, buildDir string) Invocation {
	if !d.Compiled {
		args := make([]string, len(d.Command))
		for i, a := range d.Command {
			args[i] = strings.ReplaceAll(a, "{file}", file)
		}
		return Invocation{Args: args}
	}

	base := strings.TrimSuffix(filepath.Base(file), d.Extension)
	artifact := filepath.Join(buildDir, base)

	var pipeline string
	switch d.ID {
	case "java":
		// The main class is the source's base name without suffix.
		pipeline = fmt.Sprintf("javac -d %q %q && java -cp %q %s",
			buildDir, file, buildDir, base)
	case "c":
		pipeline = fmt.Sprintf("gcc -Wall -O2 -o %q %q -lm && %q",
			artifact, file, artifact)
	case "cpp":
		pipeline = fmt.Sprintf("g++ -std=c++17 -Wall -O2 -o %q %q && %q",
			artifact, file, artifact)
	case "csharp":
		pipeline = fmt.Sprintf("mcs -out:%q %q && mono %q",
			artifact+".exe", file, artifact+".exe")
	case "rust":
		pipeline = fmt.Sprintf("rustc -O -o %q %q && %q",
			artifact, file, artifact)
	case "swift":
		pipeline = fmt.Sprintf("swiftc -o %q %q && %q",
			artifact, file, artifact)
	case "objc":
		if runtime.GOOS == "darwin" {
			pipeline = fmt.Sprintf("clang -framework Foundation -o %q %q && %q",
				artifact, file, artifact)
		} else {
			pipeline = fmt.Sprintf("clang -o %q %q -lobjc && %q",
				artifact, file, artifact)
		}
	}

	return Invocation{Args: []string{"sh", "-c", pipeline}}
}
