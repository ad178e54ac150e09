package jobdef

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sa-harvest/internal/model"
)

type stubLister struct {
	values map[string][]string
	err    error
	calls  int
}

func (s *stubLister) Values(_ context.Context, dimension, searchType string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.values[dimension+"/"+searchType], nil
}

func TestDimensionCombinations(t *testing.T) {
	got := DimensionCombinations([]string{"page", "query"}, []string{"country", "device"})
	assert.Equal(t, [][]string{
		{"page", "query"},
		{"country", "page", "query"},
		{"device", "page", "query"},
		{"country", "device", "page", "query"},
	}, got)
}

func TestDimensionCombinations_NoDefaults(t *testing.T) {
	got := DimensionCombinations(nil, []string{"country", "device", "page"})
	assert.Equal(t, [][]string{
		{"country"}, {"device"}, {"page"},
		{"country", "device"}, {"country", "page"}, {"device", "page"},
		{"country", "device", "page"},
	}, got)
}

func TestDimensionCombinations_NoAdditionals(t *testing.T) {
	assert.Equal(t, [][]string{{"query"}}, DimensionCombinations([]string{"query"}, nil))
}

func TestParse_Normalizes(t *testing.T) {
	d, err := Parse([]byte(`
searchtypes: [web, image, web, ""]
dimensions:
  defaults: [query, Page]
  additionals: [device, country]
filters:
  iterators: [country]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"image", "web"}, d.SearchTypes)
	assert.Equal(t, []string{"Page", "query"}, d.Dimensions.Defaults)
	assert.Equal(t, []string{"country", "device"}, d.Dimensions.Additionals)
	assert.Equal(t, []string{"country"}, d.Filters.Iterators)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no searchtypes", "dimensions: {defaults: [query]}", "no searchtypes"},
		{"no dimensions", "searchtypes: [web]", "no dimensions"},
		{"date dimension", "searchtypes: [web]\ndimensions: {defaults: [date]}", "date is implied"},
		{"bad yaml", "searchtypes: [web", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("searchtypes: [news]\ndimensions: {defaults: [query]}\n"), 0o600))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, d.SearchTypes)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCombinations(t *testing.T) {
	d := Definitions{
		SearchTypes: []string{"image", "web"},
		Dimensions:  Dimensions{Defaults: []string{"query"}, Additionals: []string{"device"}},
	}
	assert.Equal(t, []model.JobSpec{
		{SearchType: "image", Dimensions: []string{"query"}},
		{SearchType: "image", Dimensions: []string{"device", "query"}},
		{SearchType: "web", Dimensions: []string{"query"}},
		{SearchType: "web", Dimensions: []string{"device", "query"}},
	}, d.Combinations())
}

func TestIteratorCombinations(t *testing.T) {
	d := Definitions{
		SearchTypes: []string{"web"},
		Dimensions:  Dimensions{Defaults: []string{"query"}, Additionals: []string{"page"}},
		Filters:     Filters{Iterators: []string{"country"}},
	}
	lister := &stubLister{values: map[string][]string{"country/web": {"deu", "AUT"}}}

	specs, err := d.IteratorCombinations(context.Background(), lister)
	require.NoError(t, err)
	require.Len(t, specs, 4)
	assert.Equal(t, 1, lister.calls, "values are listed once per iterator and search type")

	assert.Equal(t, model.JobSpec{
		SearchType: "web",
		Dimensions: []string{"query"},
		Filter:     &model.Filter{Dimension: "country", Expression: "deu", Operator: "equals"},
	}, specs[0])
	assert.Equal(t, "AUT", specs[3].Filter.Expression)
	assert.Equal(t, []string{"page", "query"}, specs[3].Dimensions)

	job := model.Job{SearchType: specs[3].SearchType, Dimensions: specs[3].Dimensions, Filter: specs[3].Filter}
	assert.Equal(t, "web_page_query_aut", job.TableName())
}

func TestIteratorCombinations_ListerError(t *testing.T) {
	d := Definitions{
		SearchTypes: []string{"web"},
		Dimensions:  Dimensions{Defaults: []string{"query"}},
		Filters:     Filters{Iterators: []string{"device"}},
	}
	_, err := d.IteratorCombinations(context.Background(), &stubLister{err: errors.New("quota")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list device values")
}

func TestAll_PlainBeforeIterators(t *testing.T) {
	d := Definitions{
		SearchTypes: []string{"web"},
		Dimensions:  Dimensions{Defaults: []string{"query"}},
		Filters:     Filters{Iterators: []string{"device"}},
	}
	specs, err := d.All(context.Background(), &stubLister{values: map[string][]string{"device/web": {"MOBILE"}}})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Nil(t, specs[0].Filter)
	require.NotNil(t, specs[1].Filter)
	assert.Equal(t, "MOBILE", specs[1].Filter.Expression)
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Len(t, Default().Combinations(), 4)
}
