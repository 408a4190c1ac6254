package alerts

import (
	"fmt"
	"os"
	"strings"

	"github.com/ortelius/pdvd-vulncorr/model"
	"gopkg.in/yaml.v2"
)

// OverridesConfig represents the curated advisories YAML file
//
//	advisories:
//	  - name: CVE-2021-44228
//	    severity: critical
//	    description: Log4Shell
//	    urls: [https://logging.apache.org/log4j/2.x/security.html]
//	  - name: GHSA-xxxx-yyyy-zzzz
//	    suppress: true
type OverridesConfig struct {
	Advisories []Override `yaml:"advisories"`
}

// Override curates one advisory by name
type Override struct {
	Name        string   `yaml:"name"`
	Severity    string   `yaml:"severity,omitempty"`
	Description string   `yaml:"description,omitempty"`
	URLs        []string `yaml:"urls,omitempty"`
	Suppress    bool     `yaml:"suppress,omitempty"`
}

// Overrides indexes curated advisories by name
type Overrides map[string]Override

// LoadOverrides reads and parses an overrides file. An empty path yields no overrides.
func LoadOverrides(path string) (Overrides, error) {
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides parses the YAML form of the overrides file
func ParseOverrides(data []byte) (Overrides, error) {
	var config OverridesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	out := make(Overrides, len(config.Advisories))
	for i, o := range config.Advisories {
		o.Name = strings.TrimSpace(o.Name)
		if o.Name == "" {
			return nil, fmt.Errorf("advisory %d: name is required", i)
		}
		if _, dup := out[o.Name]; dup {
			return nil, fmt.Errorf("advisory %s listed twice", o.Name)
		}
		if o.Severity != "" && model.ParseSeverity(o.Severity) == model.SeverityUnknown && !strings.EqualFold(o.Severity, "unknown") {
			return nil, fmt.Errorf("advisory %s: unknown severity %q", o.Name, o.Severity)
		}
		out[o.Name] = o
	}
	return out, nil
}

// Suppressed reports whether the named advisory must never raise alerts
func (o Overrides) Suppressed(name string) bool {
	return o[name].Suppress
}

// apply marks the advisory curated and lays the curated fields over the derived ones
func (o Overrides) apply(adv *model.Advisory) {
	ov, ok := o[adv.Name]
	if !ok {
		adv.Curated = false
		adv.Suppressed = false
		return
	}
	adv.Curated = true
	adv.Suppressed = ov.Suppress
	if ov.Severity != "" {
		adv.Severity = model.ParseSeverity(ov.Severity)
	}
	if ov.Description != "" {
		adv.Description = ov.Description
	}
	if len(ov.URLs) > 0 {
		adv.URLs = append([]string(nil), ov.URLs...)
	}
}
