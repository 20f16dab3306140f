package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogEntry maps one vendor/model pair to a device class.
type catalogEntry struct {
	Vendor string `yaml:"vendor"`
	Model  string `yaml:"model"`
	Class  string `yaml:"class"`
}

type catalogFile struct {
	Classes []catalogEntry `yaml:"classes"`
}

// ClassCatalog resolves a device class tag from vendor/model metadata, for
// servers that omit the class on bootstrap and list updates. Read-only after
// load.
type ClassCatalog struct {
	classes map[string]string
}

func catalogKey(vendor, model string) string {
	return vendor + "\x00" + model
}

// LoadCatalog reads a YAML class catalog:
//
//	classes:
//	  - vendor: LUMI
//	    model: SJCGQ11LM
//	    class: leak_sensor
func LoadCatalog(path string) (*ClassCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading class catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing class catalog: %w", err)
	}

	classes := make(map[string]string, len(file.Classes))
	for _, e := range file.Classes {
		classes[catalogKey(e.Vendor, e.Model)] = e.Class
	}

	return &ClassCatalog{classes: classes}, nil
}

// Lookup returns the class for a vendor/model pair, or "" when unknown.
func (c *ClassCatalog) Lookup(vendor, model string) string {
	return c.classes[catalogKey(vendor, model)]
}

// Len returns the number of catalog entries.
func (c *ClassCatalog) Len() int {
	return len(c.classes)
}
