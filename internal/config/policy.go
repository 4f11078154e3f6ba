package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy marks a malformed policy file. It is always fatal at startup.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy holds the deploy-time group mapping and calendar feeds.
type Policy struct {
	// Groups maps an identity-provider group to capability names.
	Groups    map[string][]string `yaml:"groups"`
	Calendars []CalendarFeed      `yaml:"calendars"`
}

type CalendarFeed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadPolicy reads and validates the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document. Unknown keys are rejected so a
// typo cannot silently drop a permission.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	for group := range p.Groups {
		if strings.TrimSpace(group) == "" {
			return fmt.Errorf("%w: empty group name", ErrInvalidPolicy)
		}
	}

	seen := make(map[string]bool, len(p.Calendars))
	for i, cal := range p.Calendars {
		name := strings.TrimSpace(cal.Name)
		if name == "" {
			return fmt.Errorf("%w: calendar #%d has no name", ErrInvalidPolicy, i+1)
		}
		if strings.Contains(name, "/") {
			return fmt.Errorf("%w: calendar name %q must not contain '/'", ErrInvalidPolicy, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate calendar %q", ErrInvalidPolicy, name)
		}
		seen[name] = true

		u, err := url.Parse(cal.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: calendar %q has invalid feed url %q", ErrInvalidPolicy, name, cal.URL)
		}
		p.Calendars[i].Name = name
	}
	return nil
}

// Feeds returns the calendar feeds keyed by name.
func (p *Policy) Feeds() map[string]string {
	feeds := make(map[string]string, len(p.Calendars))
	for _, cal := range p.Calendars {
		feeds[cal.Name] = cal.URL
	}
	return feeds
}
