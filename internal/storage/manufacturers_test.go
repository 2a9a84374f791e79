package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeManufacturerName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Konica Minolta", "konica_minolta"},
		{"konica-minolta", "konica_minolta"},
		{"  HP  ", "hp"},
		{"Kyocera  Document   Solutions", "kyocera_document_solutions"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeManufacturerName(tt.in), tt.in)
	}
}

func TestEnsureManufacturerIsCaseInsensitive(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	first, err := repos.Manufacturers.Ensure(ctx, "Konica Minolta")
	require.NoError(t, err)
	assert.Equal(t, "Konica Minolta", first.Name)
	assert.Equal(t, "konica_minolta", first.PatternKey)

	second, err := repos.Manufacturers.Ensure(ctx, "konica-minolta")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "spelling variants resolve to one row")

	byName, err := repos.Manufacturers.GetByName(ctx, "KONICA MINOLTA")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byName.ID)

	all, err := repos.Manufacturers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureManufacturerRejectsEmpty(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Manufacturers.Ensure(context.Background(), "   ")
	require.Error(t, err)
}

func TestEnsureSeriesAndProduct(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	m, err := repos.Manufacturers.Ensure(ctx, "Kyocera")
	require.NoError(t, err)

	series, err := repos.Products.EnsureSeries(ctx, m.ID, "ECOSYS")
	require.NoError(t, err)
	again, err := repos.Products.EnsureSeries(ctx, m.ID, "ECOSYS")
	require.NoError(t, err)
	assert.Equal(t, series.ID, again.ID)

	p, err := repos.Products.Ensure(ctx, &Product{
		ManufacturerID: m.ID,
		ModelNumber:    "ECOSYS M3145dn",
		SeriesID:       &series.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "printer", p.Type, "type defaults when unspecified")

	dup, err := repos.Products.Ensure(ctx, &Product{
		ManufacturerID: m.ID,
		ModelNumber:    "ECOSYS M3145dn",
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, dup.ID)

	got, err := repos.Products.GetByModel(ctx, m.ID, "ECOSYS M3145dn")
	require.NoError(t, err)
	require.NotNil(t, got.SeriesID)
	assert.Equal(t, series.ID, *got.SeriesID)

	list, err := repos.Products.ListByManufacturer(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
