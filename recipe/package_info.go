package recipe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Toolchain variables
const (
	VarBuildApps           = "BACNET_STACK_BUILD_APPS"
	VarSharedLibs          = "BUILD_SHARED_LIBS"
	VarPositionIndependent = "CMAKE_POSITION_INDEPENDENT_CODE"
)

// StaticDefine is defined for consumers of the static library
const StaticDefine = "BACNET_STACK_STATIC_DEFINE"

// Toolchain returns the CMake cache variables of a configuration. The
// demo applications are never built.
func Toolchain(c Config) map[string]string {
	vars := map[string]string{
		VarBuildApps:  "OFF",
		VarSharedLibs: onOff(c.Options.Shared),
	}
	if c.Options.FPIC != nil {
		vars[VarPositionIndependent] = onOff(*c.Options.FPIC)
	}
	return vars
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// PackageInfo returns what the package declares to its consumers
func PackageInfo(c Config) CppInfo {
	info := CppInfo{
		Libs:       []string{Name},
		SystemLibs: []string{},
		Defines:    []string{},
		Properties: map[string]string{
			"cmake_file_name":   Name,
			"cmake_target_name": Name + "::" + Name,
		},
	}

	switch c.Settings.OS {
	case Linux:
		info.SystemLibs = []string{"pthread"}
	case Windows:
		info.SystemLibs = []string{"ws2_32"}
	}
	if !c.Options.Shared {
		info.Defines = []string{StaticDefine}
	}
	return info
}

// packageNamespace scopes package identities to this package
var packageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(Homepage))

// PackageID returns the identity of the binary package built for c. Equal
// configurations give equal identities.
func PackageID(version string, c Config) string {
	return uuid.NewSHA1(packageNamespace, []byte(canonical(version, c))).String()
}

// canonical renders the fields that select a binary, sorted by key
func canonical(version string, c Config) string {
	fields := map[string]string{
		"version":          version,
		"os":               string(c.Settings.OS),
		"arch":             c.Settings.Arch,
		"build_type":       c.Settings.BuildType,
		"compiler":         c.Settings.Compiler.Name,
		"compiler.version": c.Settings.Compiler.Version,
		"shared":           pyBool(c.Options.Shared),
	}
	if c.Options.FPIC != nil {
		fields["fPIC"] = pyBool(*c.Options.FPIC)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, fields[k])
	}
	return b.String()
}
