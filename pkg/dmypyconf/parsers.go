package dmypyconf

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/v2"
	"github.com/tailscale/hujson"
	"sigs.k8s.io/yaml"
)

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlParser{}, nil
	case ".toml":
		return toml.Parser(), nil
	case ".json":
		return hujsonParser{}, nil
	default:
		return nil, errors.Newf("unsupported config file %s", path)
	}
}

// yamlParser parses YAML through its JSON equivalent, so values have the
// same types as in JSON configs.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]any, error) {
	out := make(map[string]any)
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (yamlParser) Marshal(m map[string]any) ([]byte, error) {
	return yaml.Marshal(m)
}

// hujsonParser parses JSON with comments and trailing commas.
type hujsonParser struct{}

func (hujsonParser) Unmarshal(b []byte) (map[string]any, error) {
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(std, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (hujsonParser) Marshal(m map[string]any) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(m, "", "  ")
}
