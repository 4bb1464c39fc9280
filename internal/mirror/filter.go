package mirror

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	version "github.com/knqyf263/go-deb-version"

	"github.com/reposync/reposync/internal/index"
)

// ContentFilter is the deduplicated set of relative file paths selected
// for the content phase of one target.  It is built fresh each run from
// just-downloaded metadata and never persisted: upstream content can
// change between runs.
type ContentFilter struct {
	paths map[string]struct{}

	docsParsed int
	docsFailed int
	warnings   int
}

// NewContentFilter creates an empty filter.
func NewContentFilter() *ContentFilter {
	return &ContentFilter{paths: make(map[string]struct{})}
}

// AddDocument merges a parsed index document into the filter.
func (f *ContentFilter) AddDocument(doc *index.Document) {
	for _, p := range doc.Paths {
		f.paths[p] = struct{}{}
	}
	f.docsParsed++
	f.warnings += doc.Warnings
}

// RecordFailure notes an index document that could not be parsed.
func (f *ContentFilter) RecordFailure() {
	f.docsFailed++
}

// Len returns the number of selected paths.
func (f *ContentFilter) Len() int {
	return len(f.paths)
}

// Paths returns the selected paths in sorted order.
func (f *ContentFilter) Paths() []string {
	out := make([]string, 0, len(f.paths))
	for p := range f.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Authoritative reports whether the filter was built from at least one
// successfully parsed index document.  A false-empty filter must never
// authorize deletion: removing everything under the content tree because
// parsing broke would be destructive, not a sync.
func (f *ContentFilter) Authoritative() bool {
	return f.docsParsed > 0
}

// Warnings returns the count of malformed stanzas seen while parsing.
func (f *ContentFilter) Warnings() int {
	return f.warnings
}

// Failures returns the count of index documents that failed to parse.
func (f *ContentFilter) Failures() int {
	return f.docsFailed
}

// indexVariants are the compression variants probed for each Packages
// index, ordered by the parser's authoritative-variant priority.
var indexVariants = []string{"Packages.xz", "Packages.zst", "Packages.gz", "Packages"}

// buildContentFilter scans the freshly synced dists tree of an
// index-filtered target and combines every matching index document into a
// single filter.
//
// Per-document failures (missing index, corrupt stream, empty document)
// degrade the filter instead of aborting the target; they are logged so an
// operator can tell "nothing new" from "parsing broke".
func buildContentFilter(t *Target) *ContentFilter {
	filter := NewContentFilter()

	for _, suite := range t.Suites {
		for _, section := range t.Sections {
			for _, arch := range t.Architectures {
				if arch == "all" {
					// arch-all packages are declared by the per-arch indices.
					continue
				}

				dir := filepath.Join(t.Dest, "dists", suite, section, "binary-"+arch)
				name := selectIndexFile(dir)
				if name == "" {
					slog.Warn("no package index found",
						"repo", t.Name, "suite", suite, "section", section, "arch", arch)
					filter.RecordFailure()
					continue
				}

				data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 - path is derived from validated configuration
				if err != nil {
					slog.Warn("failed to read package index",
						"repo", t.Name, "suite", suite, "section", section, "arch", arch, "error", err)
					filter.RecordFailure()
					continue
				}

				doc, err := index.Parse(name, data)
				if err != nil {
					slog.Warn("failed to parse package index",
						"repo", t.Name, "suite", suite, "section", section, "arch", arch,
						"file", name, "error", err)
					filter.RecordFailure()
					continue
				}

				if doc.Warnings > 0 {
					slog.Warn("package index has malformed stanzas",
						"repo", t.Name, "suite", suite, "section", section, "arch", arch,
						"file", name, "malformed", doc.Warnings)
				}
				filter.AddDocument(doc)
			}
		}
	}

	return filter
}

// selectIndexFile returns the name of the authoritative index variant
// present in dir, or an empty string when none exists.
func selectIndexFile(dir string) string {
	var present []string
	for _, name := range indexVariants {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			present = append(present, name)
		}
	}
	return index.SelectVariant(present)
}

// packageNameVersion holds the name and version parsed from a package
// file name.
type packageNameVersion struct {
	name    string
	version string
}

// parsePackageNameVersion extracts package name and version from a .deb
// file path (name_version_architecture.deb).
func parsePackageNameVersion(filePath string) packageNameVersion {
	filename := path.Base(filePath)

	if !strings.HasSuffix(filename, ".deb") {
		return packageNameVersion{}
	}

	parts := strings.Split(strings.TrimSuffix(filename, ".deb"), "_")
	if len(parts) < 3 {
		return packageNameVersion{}
	}

	return packageNameVersion{
		name:    parts[0],
		version: strings.Join(parts[1:len(parts)-1], "_"),
	}
}

// Apply prunes the filter according to the configured package filters and
// returns the number of paths removed.  Paths that do not parse as
// package files pass through untouched.
func (f *ContentFilter) Apply(filters *PackageFilters, repo string) int {
	if filters == nil {
		return 0
	}

	removed := 0
	packages := make(map[string][]string)
	for p := range f.paths {
		nv := parsePackageNameVersion(p)
		if nv.name == "" {
			continue
		}
		if excludedByPattern(filters.ExcludePatterns, nv) {
			slog.Debug("excluding package by pattern", "repo", repo,
				"package", nv.name, "version", nv.version)
			delete(f.paths, p)
			removed++
			continue
		}
		packages[nv.name] = append(packages[nv.name], p)
	}

	if filters.KeepVersions > 0 {
		for name, paths := range packages {
			if len(paths) <= filters.KeepVersions {
				continue
			}

			// Newest first, Debian version ordering.
			sort.Slice(paths, func(i, j int) bool {
				vi := parsePackageNameVersion(paths[i]).version
				vj := parsePackageNameVersion(paths[j]).version

				v1, err1 := version.NewVersion(vi)
				v2, err2 := version.NewVersion(vj)
				if err1 != nil || err2 != nil {
					return vi > vj
				}
				return v1.GreaterThan(v2)
			})

			for _, p := range paths[filters.KeepVersions:] {
				delete(f.paths, p)
				removed++
			}
			slog.Debug("pruned package versions", "repo", repo, "package", name,
				"total_versions", len(paths), "kept_versions", filters.KeepVersions)
		}
	}

	return removed
}

// excludedByPattern checks a package against the exclude glob patterns.
// Patterns match the name, the version, or "name_version".
func excludedByPattern(patterns []string, nv packageNameVersion) bool {
	fullName := nv.name + "_" + nv.version
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, nv.name); matched {
			return true
		}
		if matched, _ := path.Match(pattern, nv.version); matched {
			return true
		}
		if matched, _ := path.Match(pattern, fullName); matched {
			return true
		}
	}
	return false
}
