package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProfileSpec declares a gateway shape in YAML: each canonical field names
// the top-level JSON key that carries it.
type ProfileSpec struct {
	Name            string `yaml:"name"`
	TimestampFormat string `yaml:"timestampFormat"`
	Fields          struct {
		From      string `yaml:"from"`
		To        string `yaml:"to"`
		Body      string `yaml:"body"`
		MessageID string `yaml:"messageId"`
		Timestamp string `yaml:"timestamp"`
		ModemID   string `yaml:"modemId"`
		PortID    string `yaml:"portId"`
	} `yaml:"fields"`
}

type profileFile struct {
	Profiles []ProfileSpec `yaml:"profiles"`
}

// LoadProfiles reads declared profiles from a YAML file. An empty path
// yields no profiles.
func LoadProfiles(path string) ([]Profile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(b)
}

func ParseProfiles(data []byte) ([]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	out := make([]Profile, 0, len(f.Profiles))
	for i, spec := range f.Profiles {
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
		out = append(out, fieldMapProfile{spec: spec})
	}
	return out, nil
}

func (s ProfileSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if s.Fields.From == "" || s.Fields.To == "" || s.Fields.MessageID == "" {
		return fmt.Errorf("%s: fields.from, fields.to and fields.messageId are required", s.Name)
	}
	switch s.TimestampFormat {
	case "", "auto", "rfc3339", "unix", "unixms":
	default:
		return fmt.Errorf("%s: unknown timestampFormat %q", s.Name, s.TimestampFormat)
	}
	return nil
}

type fieldMapProfile struct {
	spec ProfileSpec
}

func (p fieldMapProfile) Name() string { return p.spec.Name }

func (p fieldMapProfile) Extract(raw []byte) (Extracted, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Extracted{}, err
	}
	str := func(key string) (string, error) {
		v, ok := obj[key]
		if key == "" || !ok {
			return "", nil
		}
		var s flexString
		if err := s.UnmarshalJSON(v); err != nil {
			return "", fmt.Errorf("field %q: %w", key, err)
		}
		return s.String(), nil
	}

	var ex Extracted
	var err error
	for _, f := range []struct {
		dst *string
		key string
	}{
		{&ex.From, p.spec.Fields.From},
		{&ex.To, p.spec.Fields.To},
		{&ex.Body, p.spec.Fields.Body},
		{&ex.MessageID, p.spec.Fields.MessageID},
		{&ex.ModemID, p.spec.Fields.ModemID},
		{&ex.PortID, p.spec.Fields.PortID},
	} {
		if *f.dst, err = str(f.key); err != nil {
			return Extracted{}, err
		}
	}
	if v, ok := obj[p.spec.Fields.Timestamp]; ok && p.spec.Fields.Timestamp != "" {
		ex.Timestamp, ex.HasTimestamp = parseTimeWithFormat(v, p.spec.TimestampFormat)
	}
	return ex, nil
}
