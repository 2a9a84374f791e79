package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractProductsFamilies(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "This manual covers the bizhub C450i and bizhub C550i color systems."},
		{Number: 2, Text: "Also applicable: TASKalfa 5054ci and ECOSYS M3145dn."},
	}

	products, metrics := ExtractProducts(pages)
	require.Len(t, products, 4)
	assert.Equal(t, 4, metrics.ItemsEmitted)

	byModel := map[string]string{}
	for _, p := range products {
		byModel[p.ModelNumber] = p.Series
	}
	assert.Equal(t, "bizhub", byModel["bizhub C450I"])
	assert.Equal(t, "bizhub", byModel["bizhub C550I"])
	assert.Equal(t, "TASKalfa", byModel["TASKalfa 5054CI"])
	assert.Equal(t, "ECOSYS", byModel["ECOSYS M3145DN"])
}

func TestExtractProductsGenericModels(t *testing.T) {
	pages := []Page{{Number: 1, Text: "Applies to P-4531DN and d-COPIA systems, see model D-5514MF."}}

	products, _ := ExtractProducts(pages)
	models := map[string]bool{}
	for _, p := range products {
		models[p.ModelNumber] = true
		assert.Empty(t, p.Series, "generic models carry no series")
	}
	assert.True(t, models["P-4531DN"])
	assert.True(t, models["D-5514MF"])
}

func TestExtractProductsRejectsPartNumbers(t *testing.T) {
	pages := []Page{{Number: 1, Text: "Order spare A-1234567890 from the depot."}}

	products, metrics := ExtractProducts(pages)
	assert.Empty(t, products)
	assert.Equal(t, 1, metrics.ItemsRejected)
}

func TestExtractProductsDeduplicatesAndSorts(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "bizhub C450i overview"},
		{Number: 2, Text: "BIZHUB c450i maintenance"},
		{Number: 3, Text: "bizhub C250i supplement"},
	}

	products, _ := ExtractProducts(pages)
	require.Len(t, products, 2)
	assert.Equal(t, "bizhub C250I", products[0].ModelNumber, "sorted by model number")
	assert.Equal(t, "bizhub C450I", products[1].ModelNumber)
}
