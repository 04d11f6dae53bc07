package definition

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultDefinitionDir is the conventional location of YAML definitions.
const DefaultDefinitionDir = "definitions"

// ParseYAML decodes a definition from YAML (or JSON) bytes.
func ParseYAML(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("definition: payload is empty")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "definition: decode")
	}
	return New(cfg)
}

// LoadReader reads definition data from an io.Reader.
func LoadReader(r io.Reader) (*Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "definition: read")
	}
	return ParseYAML(content)
}

// LoadFile loads a definition from an explicit file path.
func LoadFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "definition: read %s", path)
	}
	def, err := ParseYAML(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "definition: %s", path)
	}
	return def, nil
}

// LoadDir loads every *.yaml and *.yml file of dir, sorted by file name.
func LoadDir(dir string) ([]*Definition, error) {
	if dir == "" {
		dir = DefaultDefinitionDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "definition: read dir %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
