package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture is one canned response. Match, when set, must appear in one of
// the request inputs for the fixture to apply.
type Fixture struct {
	Task     Task           `yaml:"task"`
	Match    string         `yaml:"match,omitempty"`
	Response map[string]any `yaml:"response"`
}

// FixtureClient answers from a YAML fixture file. It is meant for local
// development without a model.
type FixtureClient struct {
	fixtures []Fixture
}

// LoadFixtures reads fixtures from a YAML file.
func LoadFixtures(path string) (*FixtureClient, error) {
	if path == "" {
		return nil, fmt.Errorf("COMPLETION_FIXTURES is required for the fixture provider")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes a YAML list of fixtures.
func ParseFixtures(data []byte) (*FixtureClient, error) {
	var fixtures []Fixture
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, f := range fixtures {
		if !f.Task.Valid() {
			return nil, fmt.Errorf("fixture %d: %w: %q", i, ErrUnknownTask, f.Task)
		}
		if f.Response == nil {
			return nil, fmt.Errorf("fixture %d: response is required", i)
		}
	}
	return &FixtureClient{fixtures: fixtures}, nil
}

// Complete returns the first fixture whose task and match apply.
func (f *FixtureClient) Complete(_ context.Context, req Request) (json.RawMessage, error) {
	for _, fx := range f.fixtures {
		if fx.Task != req.Task || !matches(fx.Match, req.Inputs) {
			continue
		}
		raw, err := json.Marshal(fx.Response)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("no fixture for task %s", req.Task)
}

func matches(pattern string, inputs map[string]string) bool {
	if pattern == "" {
		return true
	}
	for _, v := range inputs {
		if strings.Contains(strings.ToLower(v), strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Close is a no-op.
func (f *FixtureClient) Close() error { return nil }
