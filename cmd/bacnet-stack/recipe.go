package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/recipe"
)

var (
	recipeVersion   string
	recipeOS        string
	recipeArch      string
	recipeBuildType string
	recipeCompiler  string
	recipeCompVer   string
	recipeShared    bool
	recipeFPIC      bool
	recipeSources   string
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Evaluate the build configuration of the bacnet-stack C library",
	Long: `Recipe evaluates the package recipe of the bacnet-stack C library: which
options exist for a target, whether a combination can be built, and what
the package declares to its consumers.`,
}

var recipeConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Validate a configuration and show the resulting package",
	Long: `Configure validates settings and options. A valid configuration prints
the effective options, the CMake cache variables, the consumer info and
the package ID. An invalid one exits non-zero.

Examples:
  bacnet-stack recipe configure --os Linux
  bacnet-stack recipe configure --os Windows --shared
  bacnet-stack recipe configure --os Macos --fpic=false -o json`,

	RunE: runRecipeConfigure,
}

var recipeInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the package metadata",
	RunE:  runRecipeInfo,
}

var recipeSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the pinned source versions",
	Long: `Sources lists the versions with a pinned upstream archive, oldest
first. --sources reads another sources document instead of the built-in
one.`,

	RunE: runRecipeSources,
}

func init() {
	for _, c := range []*cobra.Command{recipeConfigureCmd, recipeSourcesCmd} {
		c.Flags().StringVar(&recipeSources, "sources", "", "Sources document (default: built-in)")
	}

	f := recipeConfigureCmd.Flags()
	f.StringVar(&recipeVersion, "version", "", "Package version (default: latest pinned)")
	f.StringVar(&recipeOS, "os", "Linux", "Target operating system")
	f.StringVar(&recipeArch, "arch", "x86_64", "Target architecture")
	f.StringVar(&recipeBuildType, "build-type", "Release", "Build type")
	f.StringVar(&recipeCompiler, "compiler", "gcc", "Compiler name")
	f.StringVar(&recipeCompVer, "compiler-version", "13", "Compiler version")
	f.BoolVar(&recipeShared, "shared", false, "Build a shared library")
	f.BoolVar(&recipeFPIC, "fpic", true, "Build position independent code")

	recipeCmd.AddCommand(recipeConfigureCmd, recipeInfoCmd, recipeSourcesCmd)
}

// configureReport is the result of recipe configure
type configureReport struct {
	Version   string            `json:"version"`
	Config    recipe.Config     `json:"config"`
	Toolchain map[string]string `json:"toolchain"`
	CppInfo   recipe.CppInfo    `json:"cpp_info"`
	PackageID string            `json:"package_id"`
}

func loadSources() (*recipe.Sources, error) {
	if recipeSources == "" {
		return recipe.DefaultSources()
	}
	f, err := os.Open(recipeSources)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return recipe.LoadSources(f)
}

// configure runs the configuration steps of the recipe for one version
func configure(version string, s recipe.Settings, o recipe.Options) (*configureReport, error) {
	cfg, err := recipe.Configure(s, o)
	if err != nil {
		return nil, err
	}
	return &configureReport{
		Version:   version,
		Config:    cfg,
		Toolchain: recipe.Toolchain(cfg),
		CppInfo:   recipe.PackageInfo(cfg),
		PackageID: recipe.PackageID(version, cfg),
	}, nil
}

func runRecipeConfigure(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sources, err := loadSources()
	if err != nil {
		return err
	}
	version := recipeVersion
	if version == "" {
		version = sources.Latest()
	}
	if _, err := sources.Lookup(version); err != nil {
		return err
	}

	settings := recipe.Settings{
		OS:        recipe.ParseOS(recipeOS),
		Arch:      recipeArch,
		BuildType: recipeBuildType,
		Compiler:  recipe.Compiler{Name: recipeCompiler, Version: recipeCompVer},
	}
	options := recipe.Options{Shared: recipeShared, FPIC: recipe.Bool(recipeFPIC)}

	report, err := configure(version, settings, options)
	if err != nil {
		var invalid *recipe.InvalidConfigurationError
		if errors.As(err, &invalid) {
			logger.Debug("configuration rejected",
				slog.String("os", string(invalid.Settings.OS)),
				slog.String("options", invalid.Options.String()),
			)
		}
		return err
	}

	if out.Format() == FormatJSON {
		return out.JSON(report)
	}
	out.PrintKeyValues(reportPairs(report))
	return nil
}

func reportPairs(r *configureReport) []KeyValue {
	s := r.Config.Settings
	pairs := []KeyValue{
		{"Package", recipe.Name + "/" + r.Version},
		{"Package ID", r.PackageID},
		{"OS", string(s.OS)},
		{"Arch", s.Arch},
		{"Build Type", s.BuildType},
		{"Compiler", strings.TrimSpace(s.Compiler.Name + " " + s.Compiler.Version)},
		{"Options", r.Config.Options.String()},
	}

	keys := make([]string, 0, len(r.Toolchain))
	for k := range r.Toolchain {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, KeyValue{k, r.Toolchain[k]})
	}

	return append(pairs,
		KeyValue{"Libs", strings.Join(r.CppInfo.Libs, " ")},
		KeyValue{"System Libs", strings.Join(r.CppInfo.SystemLibs, " ")},
		KeyValue{"Defines", strings.Join(r.CppInfo.Defines, " ")},
		KeyValue{"CMake Target", r.CppInfo.Properties["cmake_target_name"]},
	)
}

func runRecipeInfo(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sources, err := recipe.DefaultSources()
	if err != nil {
		return err
	}

	info := map[string]interface{}{
		"name":            recipe.Name,
		"license":         recipe.License,
		"homepage":        recipe.Homepage,
		"description":     recipe.Description,
		"topics":          recipe.Topics,
		"default_options": recipe.DefaultOptions(),
		"latest":          sources.Latest(),
	}
	if out.Format() == FormatJSON {
		return out.JSON(info)
	}
	out.PrintKeyValues([]KeyValue{
		{"Name", recipe.Name},
		{"License", recipe.License},
		{"Homepage", recipe.Homepage},
		{"Description", recipe.Description},
		{"Topics", strings.Join(recipe.Topics, ", ")},
		{"Default Options", recipe.DefaultOptions().String()},
		{"Latest", sources.Latest()},
	})
	return nil
}

func runRecipeSources(cmd *cobra.Command, args []string) error {
	out, err := NewFormatter(viper.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sources, err := loadSources()
	if err != nil {
		return err
	}

	type entry struct {
		Version string `json:"version"`
		URL     string `json:"url"`
	}
	var entries []entry
	var rows [][]string
	for _, v := range sources.Versions() {
		archive, err := sources.Lookup(v)
		if err != nil {
			return err
		}
		entries = append(entries, entry{v, archive.URL})
		rows = append(rows, []string{v, archive.URL})
	}
	if len(entries) == 0 {
		return fmt.Errorf("no pinned versions")
	}
	return out.Records([]string{"VERSION", "URL"}, rows, entries)
}
