package catalog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/swarmguard/carver/services/carver/validate"
)

// entry is the on-disk form of a Descriptor. Byte patterns are hex strings.
type entry struct {
	TypeName     string `json:"type_name" yaml:"type_name" toml:"type_name"`
	Header       string `json:"header" yaml:"header" toml:"header"`
	HeaderOffset int    `json:"header_offset" yaml:"header_offset" toml:"header_offset"`
	Trailer      string `json:"trailer,omitempty" yaml:"trailer,omitempty" toml:"trailer,omitempty"`
	TrailerSlack int    `json:"trailer_slack,omitempty" yaml:"trailer_slack,omitempty" toml:"trailer_slack,omitempty"`
	MinSize      int64  `json:"min_size" yaml:"min_size" toml:"min_size"`
	MaxSize      int64  `json:"max_size" yaml:"max_size" toml:"max_size"`
	Validator    string `json:"validator" yaml:"validator" toml:"validator"`
	Extension    string `json:"extension,omitempty" yaml:"extension,omitempty" toml:"extension,omitempty"`
}

type file struct {
	IncludeBuiltin bool    `json:"include_builtin" yaml:"include_builtin" toml:"include_builtin"`
	Signatures     []entry `json:"signatures" yaml:"signatures" toml:"signatures"`
}

// Load reads a catalog file. The format follows the extension: .json,
// .yaml/.yml or .toml.
func Load(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes catalog bytes in the format named by ext.
func Parse(data []byte, ext string) ([]Descriptor, error) {
	var f file
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode JSON catalog: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode YAML catalog: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("decode TOML catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}

	var out []Descriptor
	if f.IncludeBuiltin {
		out = append(out, Builtin()...)
	}
	for _, e := range f.Signatures {
		d, err := e.descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (e entry) descriptor() (Descriptor, error) {
	header, err := decodeHex(e.Header)
	if err != nil {
		return Descriptor{}, misconfigured(e.TypeName, "header: %v", err)
	}
	trailer, err := decodeHex(e.Trailer)
	if err != nil {
		return Descriptor{}, misconfigured(e.TypeName, "trailer: %v", err)
	}
	kind, err := validate.ParseKind(e.Validator)
	if err != nil {
		return Descriptor{}, misconfigured(e.TypeName, "%v", err)
	}
	return Descriptor{
		TypeName:     e.TypeName,
		Header:       header,
		HeaderOffset: e.HeaderOffset,
		Trailer:      trailer,
		TrailerSlack: e.TrailerSlack,
		MinSize:      e.MinSize,
		MaxSize:      e.MaxSize,
		Validator:    kind,
		Extension:    e.Extension,
	}, nil
}

// decodeHex accepts "ffd8ff", "FF D8 FF" and "0xffd8ff".
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "_", "").Replace(s)
	return hex.DecodeString(s)
}

// LoadFile reads path and compiles it into a Catalog.
func LoadFile(path string) (*Catalog, error) {
	descs, err := Load(path)
	if err != nil {
		return nil, err
	}
	return New(descs)
}
