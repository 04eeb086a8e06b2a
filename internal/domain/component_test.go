package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllComponents_CanonicalOrder(t *testing.T) {
	want := []Component{
		ComponentDirectAnswer,
		ComponentLegalFoundation,
		ComponentCitations,
		ComponentNumericExamples,
		ComponentProcedureSteps,
		ComponentEdgeCases,
		ComponentPracticalAdvice,
	}
	assert.Equal(t, want, AllComponents())

	for i, c := range want {
		assert.Equal(t, i, c.Index())
		assert.True(t, c.Valid())
		assert.NotEmpty(t, c.Title())
		assert.NotEmpty(t, c.Spec().Description)
	}
}

// TestAllComponents_ReturnsCopy ensures callers cannot mutate the closed set.
func TestAllComponents_ReturnsCopy(t *testing.T) {
	first := AllComponents()
	first[0] = "tampered"
	assert.Equal(t, ComponentDirectAnswer, AllComponents()[0])

	specs := ComponentSpecs()
	specs[0].Title = "tampered"
	assert.Equal(t, "Direct Answer", ComponentDirectAnswer.Title())
}

func TestParseComponent(t *testing.T) {
	c, err := ParseComponent("citations")
	require.NoError(t, err)
	assert.Equal(t, ComponentCitations, c)

	_, err = ParseComponent("summary")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	unknown := Component("summary")
	assert.Equal(t, -1, unknown.Index())
	assert.Equal(t, "summary", unknown.Title())
}
