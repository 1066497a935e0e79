// Package region holds per-region ingest configuration: which environments a
// region is launched in, its raw data tables and the ingest views built on them.
package region

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"ingest-platform/internal/domain"
)

// SupportedAPIVersion is the apiVersion every region document must carry.
const SupportedAPIVersion = "ingest.platform/v1"

// KindRegion is the document kind for region definitions.
const KindRegion = "Region"

// UpdateDatetimeCol is the column every raw table carries with the time the
// row's source file was received.
const UpdateDatetimeCol = "update_datetime"

// Environments a region can be launched in.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Document is the on-disk YAML shape of one region.
type Document struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Region     Region `yaml:"spec"`
}

// Region is the ingest configuration of one state.
type Region struct {
	RegionCode   string             `yaml:"region_code"`
	LaunchedEnvs []string           `yaml:"launched_envs"`
	RawTables    []RawTableConfig   `yaml:"raw_tables"`
	IngestViews  []IngestViewConfig `yaml:"ingest_views"`
}

// RawTableConfig describes one raw data table. Rows of every raw table carry
// UpdateDatetimeCol in addition to Columns.
type RawTableConfig struct {
	FileTag     string   `yaml:"file_tag"`
	Columns     []string `yaml:"columns"`
	PrimaryKeys []string `yaml:"primary_keys"`
}

// IngestViewConfig is one ingest view. Query references raw tables as
// {file_tag} placeholders.
type IngestViewConfig struct {
	Name            string                  `yaml:"name"`
	Query           string                  `yaml:"query"`
	OrderByCols     []string                `yaml:"order_by_cols"`
	LaunchInstances []domain.IngestInstance `yaml:"launch_instances,omitempty"`
}

// Validate checks the region for internal consistency.
func (r *Region) Validate() error {
	if r.RegionCode == "" {
		return domain.ErrValidation("region_code is required")
	}
	if strings.ToLower(r.RegionCode) != r.RegionCode {
		return domain.ErrValidation("region_code %q must be lower case", r.RegionCode)
	}
	for _, env := range r.LaunchedEnvs {
		switch env {
		case EnvDevelopment, EnvStaging, EnvProduction:
		default:
			return domain.ErrValidation("region %s: unknown launched env %q", r.RegionCode, env)
		}
	}

	tags := make(map[string]struct{}, len(r.RawTables))
	for _, t := range r.RawTables {
		if t.FileTag == "" {
			return domain.ErrValidation("region %s: raw table without file_tag", r.RegionCode)
		}
		if _, dup := tags[t.FileTag]; dup {
			return domain.ErrValidation("region %s: duplicate raw table %q", r.RegionCode, t.FileTag)
		}
		tags[t.FileTag] = struct{}{}
		if len(t.Columns) == 0 {
			return domain.ErrValidation("region %s: raw table %s has no columns", r.RegionCode, t.FileTag)
		}
		if len(t.PrimaryKeys) == 0 {
			return domain.ErrValidation("region %s: raw table %s has no primary keys", r.RegionCode, t.FileTag)
		}
		for _, pk := range t.PrimaryKeys {
			if !slices.Contains(t.Columns, pk) {
				return domain.ErrValidation("region %s: primary key %s is not a column of %s", r.RegionCode, pk, t.FileTag)
			}
		}
		if slices.Contains(t.Columns, UpdateDatetimeCol) {
			return domain.ErrValidation("region %s: raw table %s must not declare %s", r.RegionCode, t.FileTag, UpdateDatetimeCol)
		}
	}

	views := make(map[string]struct{}, len(r.IngestViews))
	for _, v := range r.IngestViews {
		if v.Name == "" {
			return domain.ErrValidation("region %s: ingest view without name", r.RegionCode)
		}
		if _, dup := views[v.Name]; dup {
			return domain.ErrValidation("region %s: duplicate ingest view %q", r.RegionCode, v.Name)
		}
		views[v.Name] = struct{}{}
		if len(v.OrderByCols) == 0 {
			return domain.ErrValidation("region %s: ingest view %s has no order_by_cols", r.RegionCode, v.Name)
		}
		deps := referencedTags(v.Query)
		if len(deps) == 0 {
			return domain.ErrValidation("region %s: ingest view %s references no raw tables", r.RegionCode, v.Name)
		}
		for _, dep := range deps {
			if _, ok := tags[dep]; !ok {
				return domain.ErrValidation("region %s: ingest view %s references unknown raw table %q", r.RegionCode, v.Name, dep)
			}
		}
		for _, inst := range v.LaunchInstances {
			if !inst.Valid() {
				return domain.ErrValidation("region %s: ingest view %s has invalid launch instance %q", r.RegionCode, v.Name, inst)
			}
		}
	}
	return nil
}

// IsIngestLaunchedInEnv reports whether ingest runs for the region in env.
func (r *Region) IsIngestLaunchedInEnv(env string) bool {
	return slices.Contains(r.LaunchedEnvs, env)
}

// RawTable returns the raw table with the given file tag.
func (r *Region) RawTable(fileTag string) (RawTableConfig, bool) {
	for _, t := range r.RawTables {
		if t.FileTag == fileTag {
			return t, true
		}
	}
	return RawTableConfig{}, false
}

// View returns a query builder for the named ingest view.
func (r *Region) View(name string) (*ViewQueryBuilder, error) {
	for _, v := range r.IngestViews {
		if v.Name != name {
			continue
		}
		deps := referencedTags(v.Query)
		tables := make([]RawTableConfig, 0, len(deps))
		for _, dep := range deps {
			t, ok := r.RawTable(dep)
			if !ok {
				return nil, domain.ErrConfiguration("region %s: view %s references unknown raw table %q", r.RegionCode, name, dep)
			}
			tables = append(tables, t)
		}
		return &ViewQueryBuilder{
			RegionCode:  r.RegionCode,
			ViewName:    v.Name,
			Template:    v.Query,
			OrderByCols: v.OrderByCols,
			RawTables:   tables,
		}, nil
	}
	return nil, domain.ErrNotFound("region %s has no ingest view %q", r.RegionCode, name)
}

// LaunchableViews returns, in declaration order, the views that may run in instance.
func (r *Region) LaunchableViews(instance domain.IngestInstance) []string {
	var names []string
	for _, v := range r.IngestViews {
		if len(v.LaunchInstances) == 0 || slices.Contains(v.LaunchInstances, instance) {
			names = append(names, v.Name)
		}
	}
	return names
}

// RawDataDataset is the dataset holding raw tables for the instance.
func RawDataDataset(regionCode string, instance domain.IngestInstance) string {
	return fmt.Sprintf("%s_raw_data%s", strings.ToLower(regionCode), instance.DatasetSuffix())
}

// referencedTags returns the distinct {file_tag} placeholders in query order.
func referencedTags(query string) []string {
	var tags []string
	for _, m := range placeholderRe.FindAllStringSubmatch(query, -1) {
		if !slices.Contains(tags, m[1]) {
			tags = append(tags, m[1])
		}
	}
	return tags
}
