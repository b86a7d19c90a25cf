// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package languages

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	d, ok := Lookup("python")
	require.True(t, ok)
	assert.Equal(t, "Python", d.DisplayName)
	assert.Equal(t, ".py", d.Extension)
	assert.False(t, d.Compiled)

	_, ok = Lookup("cobol")
	assert.False(t, ok)

	// Matching is case-sensitive.
	_, ok = Lookup("Python")
	assert.False(t, ok)
}

func TestAllCoversFifteenLanguages(t *testing.T) {
	t.Parallel()

	all := All()
	require.Len(t, all, 15)

	want := []string{
		"python", "javascript", "typescript", "java", "c", "cpp",
		"csharp", "rust", "go", "php", "perl", "ruby", "lua", "swift", "objc",
	}
	assert.Equal(t, want, IDs())

	// Every descriptor either runs directly or compiles through a pipeline.
	for _, d := range all {
		if d.Compiled {
			assert.Empty(t, d.Command, "%s: pipeline languages have no direct command", d.ID)
		} else {
			assert.NotEmpty(t, d.Command, "%s: direct languages need a command", d.ID)
		}
		assert.NotEmpty(t, d.Extension, "%s: missing extension", d.ID)
		assert.True(t, strings.HasPrefix(d.Extension, "."), "%s: extension must include the dot", d.ID)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	t.Parallel()

	all := All()
	all[0].ID = "mutated"

	d, ok := Lookup("python")
	require.True(t, ok)
	assert.Equal(t, "python", d.ID)
}

func TestBuildInvocationDirect(t *testing.T) {
	t.Parallel()

	d, ok := Lookup("python")
	require.True(t, ok)

	inv := d.BuildInvocation("/tmp/ws/code_1_abc.py", "")
	assert.Equal(t, []string{"python3", "-u", "/tmp/ws/code_1_abc.py"}, inv.Args)
}

func TestBuildInvocationOnlySubstitutesFile(t *testing.T) {
	t.Parallel()

	d, ok := Lookup("go")
	require.True(t, ok)

	inv := d.BuildInvocation("/w/code_2_xyz.go", "")
	assert.Equal(t, []string{"go", "run", "/w/code_2_xyz.go"}, inv.Args)
}

func TestBuildInvocationPipelines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lang     string
		file     string
		contains []string
	}{
		{
			lang: "java",
			file: "/ws/code_3_abc.java",
			contains: []string{
				"javac -d", "java -cp", "code_3_abc",
			},
		},
		{
			lang: "c",
			file: "/ws/code_4_def.c",
			contains: []string{
				"gcc -Wall -O2 -o", "-lm", "/build/code_4_def",
			},
		},
		{
			lang: "cpp",
			file: "/ws/code_5_ghi.cpp",
			contains: []string{
				"g++ -std=c++17", "/build/code_5_ghi",
			},
		},
		{
			lang: "csharp",
			file: "/ws/code_6_pqr.cs",
			contains: []string{
				"mcs -out:", "mono", "/build/code_6_pqr.exe",
			},
		},
		{
			lang: "rust",
			file: "/ws/code_6_jkl.rs",
			contains: []string{
				"rustc -O -o", "/build/code_6_jkl",
			},
		},
		{
			lang: "swift",
			file: "/ws/code_7_mno.swift",
			contains: []string{
				"swiftc -o", "/build/code_7_mno",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			t.Parallel()

			d, ok := Lookup(tt.lang)
			require.True(t, ok)
			require.True(t, d.Compiled)

			inv := d.BuildInvocation(tt.file, "/build")
			require.Len(t, inv.Args, 3)
			assert.Equal(t, "sh", inv.Args[0])
			assert.Equal(t, "-c", inv.Args[1])
			for _, want := range tt.contains {
				assert.Contains(t, inv.Args[2], want)
			}
			assert.Contains(t, inv.Args[2], "&&")
		})
	}
}

func TestBuildInvocationJavaMainClass(t *testing.T) {
	t.Parallel()

	d, ok := Lookup("java")
	require.True(t, ok)

	inv := d.BuildInvocation("/ws/code_99_zzz.java", "/ws/build")
	pipeline := inv.Args[2]
	assert.True(t, strings.HasSuffix(pipeline, "code_99_zzz"),
		"main class should be the base name without suffix: %s", pipeline)
}
