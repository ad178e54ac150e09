// Package jobdef expands a YAML job definition file into the job specs
// created for a property.
package jobdef

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sa-harvest/internal/model"
)

// FilterOperator is the operator of iterator filters.
const FilterOperator = "equals"

// Definitions is the parsed job definition file.
//
//	searchtypes: [web, image]
//	dimensions:
//	  defaults: [query, page]
//	  additionals: [country, device]
//	filters:
//	  iterators: [country]
type Definitions struct {
	SearchTypes []string   `yaml:"searchtypes"`
	Dimensions  Dimensions `yaml:"dimensions"`
	Filters     Filters    `yaml:"filters"`
}

// Dimensions lists the dimensions every job groups by and the ones combined
// on top of them.
type Dimensions struct {
	Defaults    []string `yaml:"defaults"`
	Additionals []string `yaml:"additionals"`
}

// Filters lists the dimensions whose values each get their own jobs.
type Filters struct {
	Iterators []string `yaml:"iterators"`
}

// ValueLister lists the values of a dimension for a search type.
type ValueLister interface {
	Values(ctx context.Context, dimension, searchType string) ([]string, error)
}

// Default returns the definitions used when no file is configured.
func Default() Definitions {
	return Definitions{
		SearchTypes: []string{"web"},
		Dimensions: Dimensions{
			Defaults:    []string{"page", "query"},
			Additionals: []string{"country", "device"},
		},
	}
}

// Load reads and normalizes a definition file.
func Load(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, eris.Wrapf(err, "jobdef: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and normalizes definitions. Empty entries are dropped and
// every list is sorted case-insensitively.
func Parse(data []byte) (Definitions, error) {
	var d Definitions
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definitions{}, eris.Wrap(err, "jobdef: parse")
	}
	d = d.normalize()
	if err := d.Validate(); err != nil {
		return Definitions{}, err
	}
	return d, nil
}

// Validate checks that the definitions produce at least one job.
func (d Definitions) Validate() error {
	if len(d.SearchTypes) == 0 {
		return eris.New("jobdef: no searchtypes defined")
	}
	if len(d.Dimensions.Defaults) == 0 && len(d.Dimensions.Additionals) == 0 {
		return eris.New("jobdef: no dimensions defined")
	}
	for _, dim := range append(append([]string(nil), d.Dimensions.Defaults...), d.Dimensions.Additionals...) {
		if dim == "date" {
			return eris.New("jobdef: date is implied by every job and cannot be a dimension")
		}
	}
	return nil
}

func (d Definitions) normalize() Definitions {
	d.SearchTypes = clean(d.SearchTypes)
	d.Dimensions.Defaults = clean(d.Dimensions.Defaults)
	d.Dimensions.Additionals = clean(d.Dimensions.Additionals)
	d.Filters.Iterators = clean(d.Filters.Iterators)
	return d
}

func clean(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

// DimensionCombinations returns defaults followed by sorted(defaults + c)
// for every non-empty combination c of additionals, smallest first.
func DimensionCombinations(defaults, additionals []string) [][]string {
	var out [][]string
	if len(defaults) > 0 {
		out = append(out, append([]string(nil), defaults...))
	}
	for _, c := range combinations(additionals) {
		dims := append(append([]string(nil), defaults...), c...)
		sort.Strings(dims)
		out = append(out, dims)
	}
	return out
}

// combinations lists every non-empty subset of values, grouped by size and in
// index order within a size.
func combinations(values []string) [][]string {
	var out [][]string
	for size := 1; size <= len(values); size++ {
		var walk func(start int, picked []string)
		walk = func(start int, picked []string) {
			if len(picked) == size {
				out = append(out, append([]string(nil), picked...))
				return
			}
			for i := start; i < len(values); i++ {
				walk(i+1, append(picked, values[i]))
			}
		}
		walk(0, make([]string, 0, size))
	}
	return out
}

// Combinations returns the unfiltered job specs: every search type crossed
// with every dimension combination.
func (d Definitions) Combinations() []model.JobSpec {
	dims := DimensionCombinations(d.Dimensions.Defaults, d.Dimensions.Additionals)
	specs := make([]model.JobSpec, 0, len(d.SearchTypes)*len(dims))
	for _, st := range d.SearchTypes {
		for _, dd := range dims {
			specs = append(specs, model.JobSpec{SearchType: st, Dimensions: dd})
		}
	}
	return specs
}

// IteratorCombinations returns one filtered job spec per iterator dimension,
// plain combination and value of that dimension. Values are listed once per
// iterator and search type.
func (d Definitions) IteratorCombinations(ctx context.Context, lister ValueLister) ([]model.JobSpec, error) {
	var specs []model.JobSpec
	values := make(map[[2]string][]string)
	for _, it := range d.Filters.Iterators {
		for _, spec := range d.Combinations() {
			key := [2]string{it, spec.SearchType}
			vals, ok := values[key]
			if !ok {
				var err error
				vals, err = lister.Values(ctx, it, spec.SearchType)
				if err != nil {
					return nil, eris.Wrapf(err, "jobdef: list %s values", it)
				}
				values[key] = vals
			}
			for _, v := range vals {
				specs = append(specs, model.JobSpec{
					SearchType: spec.SearchType,
					Dimensions: spec.Dimensions,
					Filter:     &model.Filter{Dimension: it, Expression: v, Operator: FilterOperator},
				})
			}
		}
	}
	return specs, nil
}

// All returns the plain combinations followed by the iterator combinations.
func (d Definitions) All(ctx context.Context, lister ValueLister) ([]model.JobSpec, error) {
	iter, err := d.IteratorCombinations(ctx, lister)
	if err != nil {
		return nil, err
	}
	return append(d.Combinations(), iter...), nil
}
