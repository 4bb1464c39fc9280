package index

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

const samplePackages = `Package: rear
Version: 2.7-0
Architecture: amd64
Filename: pool/main/r/rear/rear_2.7-0_amd64.deb
Size: 1024

Package: vim
Version: 8.2.0
Architecture: amd64
Filename: pool/main/v/vim/vim_8.2.0_amd64.deb
Size: 2048
`

func gzipData(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func xzData(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdData(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		data     []byte
		want     Format
		wantErr  bool
	}{
		{
			name:     "gzip by extension",
			filename: "Packages.gz",
			data:     []byte("not actually compressed"),
			want:     FormatGzip,
		},
		{
			name:     "xz by extension",
			filename: "Packages.xz",
			data:     nil,
			want:     FormatXZ,
		},
		{
			name:     "zstd by extension",
			filename: "Packages.zst",
			data:     nil,
			want:     FormatZstd,
		},
		{
			name:     "gzip by magic",
			filename: "Packages",
			data:     []byte{0x1f, 0x8b, 0x08, 0x00},
			want:     FormatGzip,
		},
		{
			name:     "xz by magic",
			filename: "Packages",
			data:     []byte{0xfd, '7', 'z', 'X', 'Z', 0x00, 0x01},
			want:     FormatXZ,
		},
		{
			name:     "zstd by magic",
			filename: "Packages",
			data:     []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00},
			want:     FormatZstd,
		},
		{
			name:     "plain text",
			filename: "Packages",
			data:     []byte("Package: vim\n"),
			want:     FormatPlain,
		},
		{
			name:     "binary garbage",
			filename: "Packages",
			data:     []byte{0x00, 0x01, 0x02, 0x03},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.filename, tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("DetectFormat() error = %v, want ErrUnsupportedFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("DetectFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePlain(t *testing.T) {
	t.Parallel()

	doc, err := Parse("Packages", []byte(samplePackages))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"pool/main/r/rear/rear_2.7-0_amd64.deb",
		"pool/main/v/vim/vim_8.2.0_amd64.deb",
	}
	if len(doc.Paths) != len(want) {
		t.Fatalf("got %d paths, want %d", len(doc.Paths), len(want))
	}
	for i, p := range want {
		if doc.Paths[i] != p {
			t.Errorf("Paths[%d] = %q, want %q", i, doc.Paths[i], p)
		}
	}
	if doc.Warnings != 0 {
		t.Errorf("Warnings = %d, want 0", doc.Warnings)
	}
}

func TestParseCompressed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		data     func(*testing.T, string) []byte
	}{
		{"gzip", "Packages.gz", gzipData},
		{"xz", "Packages.xz", xzData},
		{"zstd", "Packages.zst", zstdData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.filename, tt.data(t, samplePackages))
			if err != nil {
				t.Fatal(err)
			}
			if len(doc.Paths) != 2 {
				t.Errorf("got %d paths, want 2", len(doc.Paths))
			}
		})
	}
}

func TestParseMalformedStanzas(t *testing.T) {
	t.Parallel()

	// Two well-formed stanzas, two malformed ones without Filename.
	input := `Package: a
Filename: pool/a_1.deb

Package: broken
Version: 1.0

Package: b
Filename: pool/b_1.deb

Package: also-broken
Size: 42
`
	doc, err := Parse("Packages", []byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Paths) != 2 {
		t.Errorf("got %d paths, want 2", len(doc.Paths))
	}
	if doc.Warnings != 2 {
		t.Errorf("Warnings = %d, want 2", doc.Warnings)
	}
}

func TestParseDeduplicates(t *testing.T) {
	t.Parallel()

	input := `Package: p1
Filename: a/p1.pkg

Package: p2
Filename: b/p2.pkg

Package: p1-again
Filename: a/p1.pkg
`
	doc, err := Parse("Packages", []byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Paths) != 2 {
		t.Errorf("got %d paths, want 2: %v", len(doc.Paths), doc.Paths)
	}
}

func TestParseStripsLeadingSlash(t *testing.T) {
	t.Parallel()

	doc, err := Parse("Packages", []byte("Package: p\nFilename: /pool/p_1.deb\n"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Paths[0] != "pool/p_1.deb" {
		t.Errorf("Paths[0] = %q, want %q", doc.Paths[0], "pool/p_1.deb")
	}
}

func TestParseContinuationLines(t *testing.T) {
	t.Parallel()

	input := `Package: p
Description: something
 spanning multiple
 lines with Filename: inside
Filename: pool/p_1.deb
`
	doc, err := Parse("Packages", []byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Paths) != 1 || doc.Paths[0] != "pool/p_1.deb" {
		t.Errorf("Paths = %v, want [pool/p_1.deb]", doc.Paths)
	}
}

func TestParseEmptyIndex(t *testing.T) {
	t.Parallel()

	_, err := Parse("Packages", []byte("Package: p\nVersion: 1.0\n"))
	if !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("err = %v, want ErrEmptyIndex", err)
	}
}

func TestParseCorruptStream(t *testing.T) {
	t.Parallel()

	data := gzipData(t, samplePackages)
	// Truncate mid-stream to corrupt it.
	_, err := Parse("Packages.gz", data[:len(data)/2])
	if err == nil {
		t.Error("Parse should fail on a truncated gzip stream")
	}
	if errors.Is(err, ErrEmptyIndex) || errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("corrupt stream misclassified: %v", err)
	}
}

func TestSelectVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		candidates []string
		want       string
	}{
		{
			name:       "xz wins over gz",
			candidates: []string{"Packages.gz", "Packages.xz", "Packages"},
			want:       "Packages.xz",
		},
		{
			name:       "zstd wins over gz",
			candidates: []string{"Packages.gz", "Packages.zst"},
			want:       "Packages.zst",
		},
		{
			name:       "gz wins over plain",
			candidates: []string{"Packages", "Packages.gz"},
			want:       "Packages.gz",
		},
		{
			name:       "plain only",
			candidates: []string{"Packages"},
			want:       "Packages",
		},
		{
			name:       "no candidates",
			candidates: nil,
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectVariant(tt.candidates); got != tt.want {
				t.Errorf("SelectVariant(%v) = %q, want %q", tt.candidates, got, tt.want)
			}
		})
	}
}

func TestParseLongLines(t *testing.T) {
	t.Parallel()

	// A description field far beyond the default bufio.Scanner limit.
	long := "Description: " + strings.Repeat("x", 200*1024)
	input := "Package: p\n" + long + "\nFilename: pool/p_1.deb\n"
	doc, err := Parse("Packages", []byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Paths) != 1 {
		t.Errorf("got %d paths, want 1", len(doc.Paths))
	}
}
