package recipe

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	//go:embed sources.yml
	sourcesData []byte

	sourcesOnce    sync.Once
	defaultSources *Sources
	sourcesErr     error
)

// ErrUnknownVersion is returned for versions without a pinned source
var ErrUnknownVersion = errors.New("unknown version")

// SourceArchive is the pinned upstream archive of one version. SHA256 is
// empty when no digest is pinned.
type SourceArchive struct {
	URL    string `yaml:"url" json:"url"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// Sources maps versions to their source archives
type Sources struct {
	Archives map[string]SourceArchive `yaml:"sources"`
}

// LoadSources parses a sources document:
//
//	sources:
//	  "1.3.2":
//	    url: https://...
//	    sha256: ...
func LoadSources(r io.Reader) (*Sources, error) {
	var s Sources
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode sources: %w", err)
	}
	if len(s.Archives) == 0 {
		return nil, fmt.Errorf("sources: no versions")
	}
	for version, archive := range s.Archives {
		if archive.URL == "" {
			return nil, fmt.Errorf("sources: version %s has no url", version)
		}
	}
	return &s, nil
}

// DefaultSources returns the versions pinned with this package
func DefaultSources() (*Sources, error) {
	sourcesOnce.Do(func() {
		defaultSources, sourcesErr = LoadSources(bytes.NewReader(sourcesData))
	})
	return defaultSources, sourcesErr
}

// Lookup returns the archive of a version
func (s *Sources) Lookup(version string) (SourceArchive, error) {
	archive, ok := s.Archives[version]
	if !ok {
		return SourceArchive{}, fmt.Errorf("%s %s: %w", Name, version, ErrUnknownVersion)
	}
	return archive, nil
}

// Versions returns the pinned versions, oldest first
func (s *Sources) Versions() []string {
	versions := make([]string, 0, len(s.Archives))
	for v := range s.Archives {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
	return versions
}

// Latest returns the newest pinned version
func (s *Sources) Latest() string {
	versions := s.Versions()
	if len(versions) == 0 {
		return ""
	}
	return versions[len(versions)-1]
}

// compareVersions compares dotted versions field by field, numerically
// where both fields are numbers
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case as[i] != bs[i]:
			return strings.Compare(as[i], bs[i])
		}
	}
	return len(as) - len(bs)
}
