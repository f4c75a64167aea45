package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// EnvBinding maps an environment variable onto a dotted config path.
// Numeric bindings are coerced to integers before validation.
type EnvBinding struct {
	Path    string
	Numeric bool
}

// DefaultEnv is the environment mapping used by Load.
var DefaultEnv = map[string]EnvBinding{
	"API_URL":            {Path: "api.base_url"},
	"WS_URL":             {Path: "realtime.url"},
	"SOKETI_KEY":         {Path: "realtime.key"},
	"SOKETI_CLUSTER":     {Path: "realtime.cluster"},
	"LOG_LEVEL":          {Path: "application.log_level"},
	"PAGE_SIZE":          {Path: "sync.page_size", Numeric: true},
	"BATCHWATCH_SESSION": {Path: "session.path"},
}

// ValidationError lists every schema violation found in a document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("config validation failed:")
	for _, p := range e.Problems {
		sb.WriteString("\n- ")
		sb.WriteString(p)
	}
	return sb.String()
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (a missing file is skipped), then environment overrides. The merged
// document is validated against the embedded JSON schema before decoding.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, DefaultEnv)
}

func LoadWithEnv(path string, env map[string]EnvBinding) (*Config, error) {
	doc := map[string]interface{}{}
	if path != "" {
		yb, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			var raw interface{}
			if err := yaml.Unmarshal(yb, &raw); err != nil {
				return nil, fmt.Errorf("unmarshal yaml: %w", err)
			}
			if raw != nil {
				conv, err := toJSONCompatible(raw)
				if err != nil {
					return nil, fmt.Errorf("convert yaml->json compatible: %w", err)
				}
				m, ok := conv.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("config %s: top level must be a mapping", path)
				}
				doc = m
			}
		}
	}

	if err := applyEnvOverrides(doc, env); err != nil {
		return nil, err
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	// Round-trip through YAML so durations decode from their string form.
	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks a JSON-compatible document against the embedded schema.
func Validate(doc map[string]interface{}) error {
	jb, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal to json: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jb),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, e := range result.Errors() {
		verr.Problems = append(verr.Problems, e.String())
	}
	return verr
}

func applyEnvOverrides(cfg map[string]interface{}, mapping map[string]EnvBinding) error {
	for env, binding := range mapping {
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			continue
		}
		if !binding.Numeric {
			setNestedField(cfg, binding.Path, v)
			continue
		}
		i, err := tryParseInt(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", env, v)
		}
		setNestedField(cfg, binding.Path, i)
	}
	return nil
}

// setNestedField sets value at a dotted path, creating maps as needed.
func setNestedField(m map[string]interface{}, dotted string, value interface{}) {
	parts := strings.Split(dotted, ".")
	last := len(parts) - 1
	cur := m
	for i, p := range parts {
		if i == last {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
}

func tryParseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if float64(int64(f)) == f {
			return int64(f), nil
		}
	}
	return 0, fmt.Errorf("not int")
}

// toJSONCompatible converts yaml-decoded values into JSON-marshalable ones.
func toJSONCompatible(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, vv := range val {
			conv, err := toJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			m[k] = conv
		}
		return m, nil
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, vv := range val {
			conv, err := toJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprintf("%v", k)] = conv
		}
		return m, nil
	case []interface{}:
		arr := make([]interface{}, len(val))
		for i, vv := range val {
			conv, err := toJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			arr[i] = conv
		}
		return arr, nil
	default:
		return val, nil
	}
}
