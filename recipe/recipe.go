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

// Package recipe models the build configuration of the bacnet-stack C
// library package: which options exist for a target, which combinations
// are valid, and what the finished package tells its consumers.
//
// Every operation is a pure function over immutable values. Fetching
// sources and running the build system are left to the Fetcher and
// Builder implementations handed to a Recipe.
package recipe

import (
	"errors"
	"fmt"
	"strings"
)

// Package metadata
const (
	Name        = "bacnet-stack"
	License     = "GPL-2.0-or-later"
	Homepage    = "https://github.com/bacnet-stack/bacnet-stack/"
	Description = "BACnet Protocol Stack library provides a BACnet application layer, " +
		"network layer and media access (MAC) layer communications services."
)

// Topics lists the package topics
var Topics = []string{"bacnet"}

// OS is a target operating system. Values other than the named ones are
// accepted and treated like any other non-Windows, non-Linux system.
type OS string

const (
	Linux   OS = "Linux"
	Windows OS = "Windows"
	Macos   OS = "Macos"
	FreeBSD OS = "FreeBSD"
	Android OS = "Android"
	IOS     OS = "iOS"
)

// Compiler describes the compiler settings of a build
type Compiler struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Libcxx  string `json:"libcxx,omitempty" yaml:"libcxx,omitempty"`
	Cppstd  string `json:"cppstd,omitempty" yaml:"cppstd,omitempty"`
}

// Settings are the target settings of a build
type Settings struct {
	OS        OS       `json:"os" yaml:"os"`
	Arch      string   `json:"arch" yaml:"arch"`
	BuildType string   `json:"build_type" yaml:"build_type"`
	Compiler  Compiler `json:"compiler" yaml:"compiler"`
}

// Options are the package options. A nil FPIC means the fPIC option does
// not exist for the configuration, which is different from fPIC=false.
type Options struct {
	Shared bool  `json:"shared" yaml:"shared"`
	FPIC   *bool `json:"fPIC,omitempty" yaml:"fPIC,omitempty"`
}

// DefaultOptions returns shared=false, fPIC=true
func DefaultOptions() Options {
	return Options{Shared: false, FPIC: Bool(true)}
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}

// clone returns a copy that shares no pointers with o
func (o Options) clone() Options {
	c := Options{Shared: o.Shared}
	if o.FPIC != nil {
		c.FPIC = Bool(*o.FPIC)
	}
	return c
}

// HasFPIC reports whether the fPIC option exists
func (o Options) HasFPIC() bool {
	return o.FPIC != nil
}

func (o Options) String() string {
	s := fmt.Sprintf("shared=%s", pyBool(o.Shared))
	if o.FPIC != nil {
		s += fmt.Sprintf(" fPIC=%s", pyBool(*o.FPIC))
	}
	return s
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Config is a validated build configuration
type Config struct {
	Settings Settings `json:"settings" yaml:"settings"`
	Options  Options  `json:"options" yaml:"options"`
}

// CppInfo is what the package declares to its consumers
type CppInfo struct {
	Libs       []string          `json:"libs" yaml:"libs"`
	SystemLibs []string          `json:"system_libs" yaml:"system_libs"`
	Defines    []string          `json:"defines" yaml:"defines"`
	Properties map[string]string `json:"properties" yaml:"properties"`
}

// ErrInvalidConfiguration matches every *InvalidConfigurationError
var ErrInvalidConfiguration = errors.New("invalid configuration")

// InvalidConfigurationError reports a settings and options combination
// the package cannot be built for
type InvalidConfigurationError struct {
	Settings Settings
	Options  Options
	Reason   string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration (os=%s %s): %s", Name, e.Settings.OS, e.Options, e.Reason)
}

// Is reports whether target is ErrInvalidConfiguration
func (e *InvalidConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// ConfigOptions returns the options that exist for the target. Windows
// has no fPIC option.
func ConfigOptions(s Settings, o Options) Options {
	c := o.clone()
	if s.OS == Windows {
		c.FPIC = nil
	}
	return c
}

// Configure validates a configuration. The C library ignores the C++
// standard library and language standard, and shared builds have no fPIC
// option. Shared builds are not supported on Windows.
func Configure(s Settings, o Options) (Config, error) {
	opts := ConfigOptions(s, o)

	s.Compiler.Libcxx = ""
	s.Compiler.Cppstd = ""

	if opts.Shared {
		opts.FPIC = nil
	}
	if s.OS == Windows && opts.Shared {
		return Config{}, &InvalidConfigurationError{
			Settings: s,
			Options:  opts,
			Reason:   "Windows shared builds are not supported right now, see issue https://github.com/bacnet-stack/bacnet-stack/issues/49",
		}
	}
	return Config{Settings: s, Options: opts}, nil
}

// ParseOS parses an OS name, case-insensitively for the known systems
func ParseOS(s string) OS {
	for _, os := range []OS{Linux, Windows, Macos, FreeBSD, Android, IOS} {
		if strings.EqualFold(s, string(os)) {
			return os
		}
	}
	return OS(s)
}
