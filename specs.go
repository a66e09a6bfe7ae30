package lazyload

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type specsFile struct {
	Slots []specEntry `yaml:"slots"`
}

type specEntry struct {
	Name    string         `yaml:"name"`
	Driver  string         `yaml:"driver"`
	Options map[string]any `yaml:"options"`
}

// LoadSpecs reads slot declarations from a YAML document of the form:
//
//	slots:
//	  - name: store
//	    driver: postgres
//	    options:
//	      dsn: postgres://...
//
// Option maps are re-encoded to JSON so the registry's decode path applies.
func LoadSpecs(r io.Reader) ([]SlotSpec, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read slot specs: %w", err)
	}
	var file specsFile
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("unmarshal slot specs: %w", err)
	}

	specs := make([]SlotSpec, 0, len(file.Slots))
	for _, entry := range file.Slots {
		opt := entry.Options
		if opt == nil {
			opt = map[string]any{}
		}
		raw, err := json.Marshal(opt)
		if err != nil {
			return nil, fmt.Errorf("marshal options for %s: %w", entry.Name, err)
		}
		specs = append(specs, SlotSpec{
			Name:    entry.Name,
			Driver:  entry.Driver,
			Options: raw,
		})
	}
	return specs, nil
}

// LoadSpecsFile reads slot declarations from a YAML file on disk.
func LoadSpecsFile(path string) ([]SlotSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSpecs(f)
}
