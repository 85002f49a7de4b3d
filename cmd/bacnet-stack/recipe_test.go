package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacnet-stack/recipe"
)

func linux() recipe.Settings {
	return recipe.Settings{
		OS:        recipe.Linux,
		Arch:      "x86_64",
		BuildType: "Release",
		Compiler:  recipe.Compiler{Name: "gcc", Version: "13", Libcxx: "libstdc++11"},
	}
}

func TestConfigure(t *testing.T) {
	report, err := configure("1.3.2", linux(), recipe.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, "1.3.2", report.Version)
	assert.Empty(t, report.Config.Settings.Compiler.Libcxx)
	assert.Equal(t, map[string]string{
		recipe.VarBuildApps:           "OFF",
		recipe.VarSharedLibs:          "OFF",
		recipe.VarPositionIndependent: "ON",
	}, report.Toolchain)
	assert.Equal(t, []string{"pthread"}, report.CppInfo.SystemLibs)
	assert.Equal(t, recipe.PackageID("1.3.2", report.Config), report.PackageID)

	pairs := reportPairs(report)
	assert.Equal(t, KeyValue{"Package", "bacnet-stack/1.3.2"}, pairs[0])
	assert.Contains(t, pairs, KeyValue{"Options", "shared=False fPIC=True"})
	assert.Contains(t, pairs, KeyValue{"Defines", recipe.StaticDefine})
	assert.Contains(t, pairs, KeyValue{"CMake Target", "bacnet-stack::bacnet-stack"})
}

func TestConfigureWindowsShared(t *testing.T) {
	s := linux()
	s.OS = recipe.Windows

	_, err := configure("1.3.2", s, recipe.Options{Shared: true, FPIC: recipe.Bool(true)})
	require.Error(t, err)
	assert.ErrorIs(t, err, recipe.ErrInvalidConfiguration)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRecipeCommands(t *testing.T) {
	out, err := execute(t, "recipe", "sources", "-o", "json")
	require.NoError(t, err)

	var entries []struct {
		Version string `json:"version"`
		URL     string `json:"url"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "1.0.0", entries[0].Version)

	out, err = execute(t, "recipe", "configure", "--os", "windows", "--shared=false", "-o", "json")
	require.NoError(t, err)
	var report configureReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, recipe.Windows, report.Config.Settings.OS)
	assert.Nil(t, report.Config.Options.FPIC)
	assert.Equal(t, []string{"ws2_32"}, report.CppInfo.SystemLibs)

	_, err = execute(t, "recipe", "configure", "--os", "Windows", "--shared", "-o", "table")
	assert.ErrorIs(t, err, recipe.ErrInvalidConfiguration)

	_, err = execute(t, "recipe", "configure", "--version", "0.0.1", "--shared=false", "-o", "table")
	assert.ErrorIs(t, err, recipe.ErrUnknownVersion)

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "bacnet-stack version dev\n", out)
}
