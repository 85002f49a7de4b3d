// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recipe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
)

// Fetcher downloads and unpacks a source archive into dest, stripping the
// archive's root folder
type Fetcher interface {
	Fetch(ctx context.Context, archive SourceArchive, dest string) error
}

// Builder drives the build system
type Builder interface {
	Configure(ctx context.Context, sourceDir, buildDir string, vars map[string]string) error
	Build(ctx context.Context, buildDir string) error
	Install(ctx context.Context, buildDir, packageDir string) error
}

// Result is the outcome of a successful run
type Result struct {
	Version   string  `json:"version"`
	Config    Config  `json:"config"`
	PackageID string  `json:"package_id"`
	Layout    Layout  `json:"layout"`
	CppInfo   CppInfo `json:"cpp_info"`
}

type options struct {
	fs      afero.Fs
	root    string
	sources *Sources
	logger  *slog.Logger
}

// Option configures a Recipe
type Option func(*options)

// WithFs sets the filesystem the package is assembled on
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithRoot sets the folder holding the source, build and package folders
func WithRoot(root string) Option {
	return func(o *options) {
		o.root = root
	}
}

// WithSources replaces the pinned sources
func WithSources(s *Sources) Option {
	return func(o *options) {
		o.sources = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Recipe builds one version of the package
type Recipe struct {
	version string
	fetcher Fetcher
	builder Builder
	opts    *options
}

// New creates a recipe for version
func New(version string, fetcher Fetcher, builder Builder, opts ...Option) *Recipe {
	o := &options{
		fs:     afero.NewOsFs(),
		root:   ".",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Recipe{version: version, fetcher: fetcher, builder: builder, opts: o}
}

// Run validates the configuration and runs source, generate, build,
// package and package_info in order. An invalid configuration stops the
// run before anything is fetched. Failures of the fetcher or the build
// system end the run and are returned wrapped.
func (r *Recipe) Run(ctx context.Context, s Settings, o Options) (*Result, error) {
	cfg, err := Configure(s, o)
	if err != nil {
		return nil, err
	}

	sources := r.opts.sources
	if sources == nil {
		if sources, err = DefaultSources(); err != nil {
			return nil, err
		}
	}
	archive, err := sources.Lookup(r.version)
	if err != nil {
		return nil, err
	}

	layout := NewLayout(r.opts.root, cfg.Settings)
	logger := r.opts.logger.With(
		slog.String("package", Name+"/"+r.version),
		slog.String("os", string(cfg.Settings.OS)),
		slog.String("options", cfg.Options.String()),
	)
	start := time.Now()

	logger.Info("fetching sources", slog.String("url", archive.URL))
	if err := r.fetcher.Fetch(ctx, archive, layout.SourceDir); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	vars := Toolchain(cfg)
	logger.Debug("configuring", slog.Any("variables", vars))
	if err := r.builder.Configure(ctx, layout.SourceDir, layout.BuildDir, vars); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	logger.Info("building", slog.String("build_dir", layout.BuildDir))
	if err := r.builder.Build(ctx, layout.BuildDir); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	if err := r.builder.Install(ctx, layout.BuildDir, layout.PackageDir); err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}
	if err := layout.Package(r.opts.fs); err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}

	res := &Result{
		Version:   r.version,
		Config:    cfg,
		PackageID: PackageID(r.version, cfg),
		Layout:    layout,
		CppInfo:   PackageInfo(cfg),
	}
	logger.Info("package created",
		slog.String("package_id", res.PackageID),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
