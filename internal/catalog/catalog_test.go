package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otterflow/otterflow/internal/store"
)

func TestLoadFile(t *testing.T) {
	models, err := Load("testdata/seed.yaml")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "A", models[0].Name)
	assert.Equal(t, "Groq", models[1].License)
	assert.Equal(t, 0.5, *models[1].Performance)
	assert.Equal(t, 0.8, models[1].TopP)
}

func TestLoadBuiltIn(t *testing.T) {
	models, err := Load("")
	require.NoError(t, err)
	require.NotEmpty(t, models)
	tags := map[string]bool{}
	for _, m := range models {
		tags[m.License] = true
	}
	for _, p := range Providers {
		assert.True(t, tags[p], "built-in catalog should cover %s", p)
	}
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"missing name":     "models:\n  - license: OpenAI\n",
		"unknown provider": "models:\n  - name: x\n    license: Acme\n",
		"out of range":     "models:\n  - name: x\n    license: OpenAI\n    cost: 1.5\n",
		"negative price":   "models:\n  - name: x\n    license: OpenAI\n    input_cost_raw: -1\n",
		"duplicate":        "models:\n  - name: x\n    license: OpenAI\n  - name: x\n    license: Groq\n",
		"unknown field":    "models:\n  - name: x\n    license: OpenAI\n    flavour: mint\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	defer s.Close()

	n, err := Seed(ctx, s, "testdata/seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Name)
	assert.Equal(t, 3.0, got[0].IORatio, "io_ratio defaults to 3")
	assert.Equal(t, 1.0, got[0].TopP, "top_p defaults to 1")

	// Seeding again updates in place.
	n, err = Seed(ctx, s, "testdata/seed.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, _ = s.ListModels(ctx)
	assert.Len(t, got, 2)
}

func TestSeedMissingFile(t *testing.T) {
	_, err := Seed(context.Background(), nil, "testdata/nope.yaml")
	assert.Error(t, err)
}

func TestParseTemperatureDefault(t *testing.T) {
	models, err := Parse([]byte("models:\n  - name: x\n    license: OpenAI\n  - name: y\n    license: Groq\n    temperature: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTemperature, models[0].Temperature)
	assert.Equal(t, 0.0, models[1].Temperature)
}
