package region

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"ingest-platform/internal/domain"
)

// Registry holds every configured region keyed by region code.
type Registry struct {
	regions map[string]*Region
}

// NewRegistry builds a registry from already-validated regions.
func NewRegistry(regions ...*Region) *Registry {
	r := &Registry{regions: make(map[string]*Region, len(regions))}
	for _, reg := range regions {
		r.regions[reg.RegionCode] = reg
	}
	return r
}

// LoadDirectory reads every *.yaml and *.yml file in dir as a region document.
func LoadDirectory(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("regions directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("regions directory: %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read regions directory: %w", err)
	}

	reg := NewRegistry()
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path) //nolint:gosec // reading operator-provided config
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		region, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := reg.regions[region.RegionCode]; dup {
			return nil, fmt.Errorf("%s: region %s defined twice", path, region.RegionCode)
		}
		reg.regions[region.RegionCode] = region
	}
	return reg, nil
}

// Parse decodes and validates one region document. Unknown fields are rejected.
func Parse(data []byte) (*Region, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse region: %w", err)
	}
	if doc.APIVersion != SupportedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q (expected %q)", doc.APIVersion, SupportedAPIVersion)
	}
	if doc.Kind != KindRegion {
		return nil, fmt.Errorf("unexpected kind %q (expected %q)", doc.Kind, KindRegion)
	}
	if err := doc.Region.Validate(); err != nil {
		return nil, err
	}
	return &doc.Region, nil
}

// Get returns the region with the given code.
func (r *Registry) Get(regionCode string) (*Region, error) {
	reg, ok := r.regions[strings.ToLower(regionCode)]
	if !ok {
		return nil, domain.ErrNotFound("region %q is not configured", regionCode)
	}
	return reg, nil
}

// Codes returns every configured region code in sorted order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.regions))
	for code := range r.regions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
