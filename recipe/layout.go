package recipe

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Layout holds the folders of one build
type Layout struct {
	SourceDir  string `json:"source_dir"`
	BuildDir   string `json:"build_dir"`
	PackageDir string `json:"package_dir"`
}

// NewLayout returns the CMake layout under root: sources in src, build
// trees per build type, the package in package
func NewLayout(root string, s Settings) Layout {
	buildType := s.BuildType
	if buildType == "" {
		buildType = "Release"
	}
	return Layout{
		SourceDir:  filepath.Join(root, "src"),
		BuildDir:   filepath.Join(root, "build", buildType),
		PackageDir: filepath.Join(root, "package"),
	}
}

// Package finishes an installed package: the license goes to licenses
// and the CMake config files installed by upstream are removed, since
// consumers get generated ones.
func (l Layout) Package(fs afero.Fs) error {
	src := filepath.Join(l.SourceDir, "license", "gpl-2.txt")
	ok, err := afero.Exists(fs, src)
	if err != nil {
		return fmt.Errorf("stat license: %w", err)
	}
	if ok {
		data, err := afero.ReadFile(fs, src)
		if err != nil {
			return fmt.Errorf("read license: %w", err)
		}
		dst := filepath.Join(l.PackageDir, "licenses")
		if err := fs.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("create licenses folder: %w", err)
		}
		if err := afero.WriteFile(fs, filepath.Join(dst, "gpl-2.txt"), data, 0o644); err != nil {
			return fmt.Errorf("write license: %w", err)
		}
	}

	for _, dir := range []string{
		filepath.Join(l.PackageDir, "lib", "cmake"),
		filepath.Join(l.PackageDir, "lib", Name, "cmake"),
	} {
		if err := fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return nil
}
