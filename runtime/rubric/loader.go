package rubric

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// bundle is the on-disk rubric collection format.
type bundle struct {
	Rubrics []*Rubric `yaml:"rubrics"`
}

// Load reads a YAML rubric bundle and registers every rubric it contains.
func Load(r io.Reader, reg *Registry) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read rubric bundle: %w", err)
	}
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode rubric bundle: %w", err)
	}
	for _, rb := range b.Rubrics {
		if err := reg.Register(rb); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads a rubric bundle from path.
func LoadFile(path string, reg *Registry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Load(f, reg)
}
