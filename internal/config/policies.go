package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/architeacher/svc-messaging/pkg/resilience"
)

// PolicyFile is the YAML layout of RESILIENCE_POLICY_FILE:
//
//	default:
//	  max_attempts: 5
//	  timeout: 3s
//	policies:
//	  Queue/Produce/audit:
//	    max_attempts: 1
//	    rate_limit: {per_second: 100, burst: 20, max_wait: 250ms}
//
// Policy keys are canonical feature keys. Fields left out fall back to the default template.
type PolicyFile struct {
	Default  *resilience.Policy           `yaml:"default"`
	Policies map[string]resilience.Policy `yaml:"policies"`
}

// ParsePolicies decodes a policy file, rejecting unknown fields.
func ParsePolicies(data []byte) (PolicyFile, error) {
	var file PolicyFile

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return PolicyFile{}, fmt.Errorf("decode resilience policies: %w", err)
	}

	return file, nil
}

// LoadPolicies resolves the default template and the overrides. Without a policy file only the
// environment template applies.
func (c ResilienceConfig) LoadPolicies() (resilience.Policy, map[string]resilience.Policy, error) {
	def := c.Policy()

	if c.PolicyFile == "" {
		return def, nil, nil
	}

	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return resilience.Policy{}, nil, fmt.Errorf("read resilience policies: %w", err)
	}

	file, err := ParsePolicies(data)
	if err != nil {
		return resilience.Policy{}, nil, err
	}

	if file.Default != nil {
		def = file.Default.Merge(def)
	}

	if err := def.Validate(); err != nil {
		return resilience.Policy{}, nil, fmt.Errorf("default resilience policy: %w", err)
	}

	return def, file.Policies, nil
}
