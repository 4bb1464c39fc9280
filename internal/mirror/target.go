package mirror

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidID checks if the given repository ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// LayoutKind tags the layout family of a repository target.
type LayoutKind int

const (
	// IndexFiltered marks Debian-style dists/pool layouts where the
	// content phase is restricted to paths declared by package indices.
	IndexFiltered LayoutKind = iota

	// FullDirectory marks RPM-style layouts where whole repodata and
	// Packages directory trees are transferred per version/component/arch.
	FullDirectory
)

func (k LayoutKind) String() string {
	switch k {
	case IndexFiltered:
		return "index-filtered"
	case FullDirectory:
		return "full-directory"
	}
	return "unknown"
}

// Target identifies one syncable unit.  It is immutable once constructed
// from configuration and consumed read-only by the orchestrator.
//
// An index-filtered target covers a whole repository: its selection
// dimensions are the suites, sections, and architectures whose indices
// feed one combined content filter.  A full-directory target covers a
// single version/component/architecture directory tree.
type Target struct {
	Name   string
	Source string // remote base location
	Dest   string // local base directory for this target
	Layout LayoutKind

	// Index-filtered selection dimensions.
	Suites   []string
	Sections []string

	// Full-directory selection dimensions.
	Version    string
	Component  string
	PathSuffix string

	Architectures []string

	Filters *PackageFilters
}

// ID returns a stable display identifier for logs and results.
func (t *Target) ID() string {
	if t.Layout == IndexFiltered {
		return t.Name
	}
	return strings.Join([]string{t.Name, t.Version, t.Component, t.Arch()}, "/")
}

// Arch returns the single architecture of a full-directory target.
func (t *Target) Arch() string {
	if len(t.Architectures) == 0 {
		return ""
	}
	return t.Architectures[0]
}

// RelPath returns the selection-dimension path of a full-directory target
// relative to both the remote source and the local repository root, for
// example "8/BaseOS/x86_64/os".
func (t *Target) RelPath() string {
	rel := t.Version + "/" + t.Component + "/" + t.Arch()
	if t.PathSuffix != "" {
		rel += t.PathSuffix
	}
	return rel
}

// ExpandTargets derives the list of sync targets from configuration.
//
// ids selects a subset of configured repositories; an empty list selects
// all of them.  Expansion is deterministic: repositories are visited in
// sorted ID order and full-directory repositories expand to one target per
// version x component x architecture, preserving configuration order
// within each repository.
func ExpandTargets(config *Config, ids []string) ([]*Target, error) {
	if len(ids) == 0 {
		for id := range config.Repos {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	var targets []*Target
	for _, id := range ids {
		repo, ok := config.Repos[id]
		if !ok {
			return nil, errors.New("no such repository: " + id)
		}

		if repo.Layout() == IndexFiltered {
			targets = append(targets, &Target{
				Name:          id,
				Source:        repo.Source.String(),
				Dest:          filepath.Join(config.Dir, id),
				Layout:        IndexFiltered,
				Suites:        repo.Suites,
				Sections:      repo.Sections,
				Architectures: repo.Architectures,
				Filters:       repo.Filters,
			})
			continue
		}

		for _, version := range repo.Versions {
			for _, component := range repo.Components[version] {
				for _, arch := range repo.Architectures {
					t := &Target{
						Name:          id,
						Layout:        FullDirectory,
						Version:       version,
						Component:     component,
						PathSuffix:    repo.PathSuffix,
						Architectures: []string{arch},
						Filters:       repo.Filters,
					}
					t.Source = repo.Source.Resolve(t.RelPath())
					t.Dest = filepath.Join(config.Dir, id, filepath.FromSlash(t.RelPath()))
					targets = append(targets, t)
				}
			}
		}
	}
	return targets, nil
}
