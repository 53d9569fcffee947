package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
)

// Region is one entry of the subscriber roster.
type Region struct {
	Name        string  `yaml:"name"`
	Lat         float64 `yaml:"lat"`
	Lon         float64 `yaml:"lon"`
	ThresholdKm float64 `yaml:"threshold_km,omitempty"`
}

type regionsFile struct {
	Regions []Region `yaml:"regions"`
}

// DefaultRegions is the built-in roster.
func DefaultRegions() []Region {
	return []Region{
		{Name: "Arica", Lat: -18.4746, Lon: -70.29792},
		{Name: "Coquimbo", Lat: -29.95332, Lon: -71.33947},
		{Name: "Valparaíso", Lat: -33.036, Lon: -71.62963},
		{Name: "Concepción", Lat: -36.82699, Lon: -73.04977},
		{Name: "Punta Arenas", Lat: -53.16282, Lon: -70.90922},
	}
}

// LoadRegions reads a YAML roster of the form
//
//	regions:
//	  - name: Arica
//	    lat: -18.4746
//	    lon: -70.29792
func LoadRegions(path string) ([]Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}
	var f regionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse regions file %s: %w", path, err)
	}
	if len(f.Regions) == 0 {
		return nil, fmt.Errorf("regions file %s lists no regions", path)
	}
	for i, r := range f.Regions {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("regions file %s: entry %d has no name", path, i)
		}
	}
	return f.Regions, nil
}

// RegionNames returns the names of regions in roster order.
func RegionNames(regions []Region) []string {
	names := make([]string, 0, len(regions))
	for _, r := range regions {
		names = append(names, r.Name)
	}
	return names
}

// FindRegion looks a region up by name, comparing normalized names so that
// "valparaiso" and "Valparaíso" match.
func FindRegion(regions []Region, name string) (Region, bool) {
	key := aggregator.NormalizeRegion(name)
	for _, r := range regions {
		if aggregator.NormalizeRegion(r.Name) == key {
			return r, true
		}
	}
	return Region{}, false
}
