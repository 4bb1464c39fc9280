// Package index parses package-index documents and extracts the package
// file paths they declare.
//
// An index document is a sequence of stanzas separated by blank lines.
// Every stanza that carries a "Filename:" field contributes exactly one
// relative path.  Documents may be stored plain or compressed with gzip,
// xz/LZMA, or zstd; the compression is detected from the file name
// extension or, failing that, from the leading magic bytes.
package index

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Sentinel errors surfaced to callers for per-document handling.
var (
	// ErrUnsupportedFormat is returned when a document is neither plain
	// text nor compressed with a known codec.
	ErrUnsupportedFormat = errors.New("unsupported index format")

	// ErrEmptyIndex is returned when a document parses cleanly but
	// declares no file paths at all.
	ErrEmptyIndex = errors.New("index declares no file paths")
)

// Format identifies the compression applied to an index document.
type Format int

// Supported compression formats, in no particular order.
const (
	FormatPlain Format = iota
	FormatGzip
	FormatXZ
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatPlain:
		return "plain"
	case FormatGzip:
		return "gzip"
	case FormatXZ:
		return "xz"
	case FormatZstd:
		return "zstd"
	}
	return "unknown"
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// variantPriority lists compression extensions from most to least
// preferred when several documents describe the same index.  xz streams
// carry the strongest integrity checks, so they win over gzip.
var variantPriority = []string{".xz", ".zst", ".gz", ""}

// DetectFormat determines the compression format of a document from its
// name and its leading bytes.  It returns ErrUnsupportedFormat when the
// data matches no known codec and does not look like plain text.
func DetectFormat(name string, data []byte) (Format, error) {
	switch path.Ext(name) {
	case ".gz":
		return FormatGzip, nil
	case ".xz", ".lzma":
		return FormatXZ, nil
	case ".zst", ".zstd":
		return FormatZstd, nil
	}

	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return FormatGzip, nil
	case bytes.HasPrefix(data, xzMagic):
		return FormatXZ, nil
	case bytes.HasPrefix(data, zstdMagic):
		return FormatZstd, nil
	}

	if looksLikeText(data) {
		return FormatPlain, nil
	}
	return FormatPlain, errors.Wrap(ErrUnsupportedFormat, name)
}

// looksLikeText reports whether the head of data is plausible stanza text.
// A NUL byte in the first half KiB rules out every index format we accept.
func looksLikeText(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return !bytes.ContainsRune(head, 0)
}

// newReader wraps r with the decompressor for f.
func newReader(f Format, r io.Reader) (io.Reader, error) {
	switch f {
	case FormatGzip:
		return gzip.NewReader(r)
	case FormatXZ:
		return xz.NewReader(r)
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return r, nil
}

// Document is the parsed form of one index document.
type Document struct {
	// Paths holds the declared file paths in first-seen order, with
	// duplicates removed.  Paths are kept verbatim except for a stripped
	// leading slash, since they feed a path-list-based transfer.
	Paths []string

	// Warnings counts stanzas that carried fields but no Filename.
	Warnings int
}

// Parse decompresses and scans one index document.
//
// Malformed stanzas are skipped and counted in Document.Warnings; they are
// never fatal because a partial path set still reflects the best available
// file-level information.  A corrupt compressed stream or a document with
// zero declared paths is an error the caller must surface per target.
func Parse(name string, data []byte) (*Document, error) {
	format, err := DetectFormat(name, data)
	if err != nil {
		return nil, err
	}

	r, err := newReader(format, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s (%s)", name, format)
	}

	doc := &Document{}
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var stanzaFields, stanzaPaths int
	endStanza := func() {
		if stanzaFields > 0 && stanzaPaths == 0 {
			doc.Warnings++
		}
		stanzaFields = 0
		stanzaPaths = 0
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			endStanza()
			continue
		}
		// Continuation lines belong to the previous field.
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		stanzaFields++

		filename, ok := strings.CutPrefix(line, "Filename:")
		if !ok {
			continue
		}
		filename = strings.TrimSpace(filename)
		if filename == "" {
			continue
		}
		filename = strings.TrimPrefix(filename, "/")

		stanzaPaths++
		if stanzaPaths > 1 {
			// A stanza declares at most one file; keep the first.
			continue
		}
		if _, dup := seen[filename]; dup {
			continue
		}
		seen[filename] = struct{}{}
		doc.Paths = append(doc.Paths, filename)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "decompress %s (%s)", name, format)
	}
	endStanza()

	if len(doc.Paths) == 0 {
		return nil, errors.Wrap(ErrEmptyIndex, name)
	}
	return doc, nil
}

// SelectVariant picks the authoritative document among candidates that
// describe the same index in different compression variants.  Parsing a
// single variant avoids double counting; the fixed priority prefers the
// most reliable codec.  It returns an empty string for no candidates.
func SelectVariant(candidates []string) string {
	for _, ext := range variantPriority {
		for _, c := range candidates {
			if path.Ext(c) == ext {
				return c
			}
		}
	}
	return ""
}
