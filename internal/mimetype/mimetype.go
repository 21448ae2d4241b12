// Package mimetype loads an nginx-style mime.types table, keyed by file
// extension, consumed read-only by the static-file resolver and the
// response builder.
//
// This stays on the standard library: a mime.types file is a trivial
// whitespace-delimited table (`type/subtype ext1 ext2 ...`) and none of
// the pack's parser dependencies (which target YAML/TOML/JSON/HTTP) fit
// this format any better than bufio.Scanner — see DESIGN.md.
package mimetype

import (
	"bufio"
	"os"
	"strings"
)

// Table is a read-only extension-to-MIME-type map.
type Table struct {
	byExt       map[string]string
	defaultType string
}

// Load reads path and builds a Table. If path cannot be opened, an empty
// table is returned (not an error) so a missing mime.types file only
// degrades to default-type-for-everything rather than refusing to start.
func Load(path, defaultType string) (*Table, error) {
	t := &Table{byExt: make(map[string]string, 128), defaultType: defaultType}
	if defaultType == "" {
		t.defaultType = "application/octet-stream"
	}

	f, err := os.Open(path)
	if err != nil {
		return t, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		mimeType := fields[0]
		for _, ext := range fields[1:] {
			t.byExt[strings.ToLower(ext)] = mimeType
		}
	}
	return t, scanner.Err()
}

// Lookup returns the MIME type for a filesystem extension (without the
// leading dot), falling back to the configured default type.
func (t *Table) Lookup(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if mt, ok := t.byExt[ext]; ok {
		return mt
	}
	return t.defaultType
}

// DefaultType returns the table's fallback MIME type.
func (t *Table) DefaultType() string {
	return t.defaultType
}
