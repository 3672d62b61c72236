package bookmark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a file encoding for bookmark collections.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Formats lists the supported encodings.
var Formats = []Format{FormatJSON, FormatYAML, FormatTOML}

// Entry is the importable shape of a bookmark: the fields a user writes by
// hand in a drop-folder file. ID and CreatedAt are assigned by the store.
type Entry struct {
	Title string `json:"title" yaml:"title" toml:"title"`
	URL   string `json:"url" yaml:"url" toml:"url"`
}

// collection wraps a list for formats that need a top-level table.
type collection struct {
	Bookmarks []Record `json:"bookmarks" yaml:"bookmarks" toml:"bookmarks"`
}

// entries wraps importable entries the same way.
type entries struct {
	Bookmarks []Entry `json:"bookmarks" yaml:"bookmarks" toml:"bookmarks"`
}

// ParseFormat resolves a format name, accepting "yml" as an alias.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported format %q", name)
	}
}

// FormatForPath picks a format from a file extension.
func FormatForPath(path string) (Format, bool) {
	f, err := ParseFormat(filepath.Ext(path))
	return f, err == nil
}

// Encode writes records as a {"bookmarks": [...]} document.
func Encode(records []Record, format Format) ([]byte, error) {
	doc := collection{Bookmarks: records}
	if doc.Bookmarks == nil {
		doc.Bookmarks = []Record{}
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bookmarks: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to marshal bookmarks: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to marshal bookmarks: %w", err)
		}
		return buf.Bytes(), nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to marshal bookmarks: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// DecodeEntries parses importable entries. A document may hold a single
// entry ({title, url}) or a list under "bookmarks".
func DecodeEntries(data []byte, format Format) ([]Entry, error) {
	var list entries
	var single Entry

	switch format {
	case FormatJSON:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &list.Bookmarks); err != nil {
				return nil, fmt.Errorf("failed to parse bookmarks: %w", err)
			}
			return list.Bookmarks, nil
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse bookmarks: %w", err)
		}
		if len(list.Bookmarks) == 0 {
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("failed to parse bookmark: %w", err)
			}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse bookmarks: %w", err)
		}
		if len(list.Bookmarks) == 0 {
			if err := yaml.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("failed to parse bookmark: %w", err)
			}
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &list); err != nil {
			return nil, fmt.Errorf("failed to parse bookmarks: %w", err)
		}
		if len(list.Bookmarks) == 0 {
			if _, err := toml.Decode(string(data), &single); err != nil {
				return nil, fmt.Errorf("failed to parse bookmark: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	if len(list.Bookmarks) > 0 {
		return list.Bookmarks, nil
	}
	if single.Title == "" && single.URL == "" {
		return nil, nil
	}
	return []Entry{single}, nil
}

// ReadEntryFile reads and validates the entries in a bookmark file.
func ReadEntryFile(path string) ([]Entry, error) {
	format, ok := FormatForPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported bookmark file %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmark file %s: %w", path, err)
	}

	list, err := DecodeEntries(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bookmark file %s: %w", path, err)
	}

	for _, e := range list {
		if err := ValidateFields(e.Title, e.URL); err != nil {
			return nil, fmt.Errorf("invalid bookmark file %s: %w", path, err)
		}
	}
	return list, nil
}

// WriteFile writes records to path, choosing the encoding from its extension.
func WriteFile(path string, records []Record) error {
	format, ok := FormatForPath(path)
	if !ok {
		return fmt.Errorf("unsupported bookmark file %s", path)
	}

	data, err := Encode(records, format)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write bookmark file %s: %w", path, err)
	}
	return nil
}
