package kernel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// Spec describes how to launch a kernel for one runtime, loaded from the
// host's runtime list file.
type Spec struct {
	RuntimeID    string            `yaml:"runtimeId"`
	LanguageID   string            `yaml:"languageId"`
	LanguageName string            `yaml:"languageName"`
	Name         string            `yaml:"name"`
	Startup      string            `yaml:"startup"`
	Argv         []string          `yaml:"argv"`
	Env          map[string]string `yaml:"env"`
}

// Validate checks the fields a kernel cannot launch without.
func (s Spec) Validate() error {
	if s.RuntimeID == "" {
		return fmt.Errorf("runtime spec missing runtimeId")
	}
	if s.LanguageID == "" {
		return fmt.Errorf("runtime spec %s missing languageId", s.RuntimeID)
	}
	if len(s.Argv) == 0 {
		return fmt.Errorf("runtime spec %s missing argv", s.RuntimeID)
	}
	return nil
}

// Metadata converts the spec to registry metadata.
func (s Spec) Metadata(extensionID string) (runtime.Metadata, error) {
	if err := s.Validate(); err != nil {
		return runtime.Metadata{}, err
	}
	behavior, err := runtime.ParseStartupBehavior(s.Startup)
	if err != nil {
		return runtime.Metadata{}, fmt.Errorf("runtime spec %s: %w", s.RuntimeID, err)
	}
	name := s.Name
	if name == "" {
		name = s.RuntimeID
	}
	return runtime.Metadata{
		RuntimeID:       s.RuntimeID,
		LanguageID:      s.LanguageID,
		LanguageName:    s.LanguageName,
		RuntimeName:     name,
		StartupBehavior: behavior,
		ExtensionID:     extensionID,
	}, nil
}

// LoadSpecs reads a yaml runtime list.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime specs: %w", err)
	}
	var doc struct {
		Runtimes []Spec `yaml:"runtimes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse runtime specs: %w", err)
	}
	for _, s := range doc.Runtimes {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Runtimes, nil
}
