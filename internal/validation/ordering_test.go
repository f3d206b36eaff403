package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdering_BackwardReferencesAreValid(t *testing.T) {
	assert.True(t, validateOrdering(validDefinition()).Valid())
}

func TestOrdering_ForwardReference(t *testing.T) {
	def := validDefinition()
	def.Steps[0].InputMapping = `{"n":"{{steps.notify.id}}"}`
	result := validateOrdering(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].input_mapping", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `"notify" which does not run before it`)
}

func TestOrdering_DeclarationOrderDoesNotMatter(t *testing.T) {
	def := validDefinition()
	def.Steps[0], def.Steps[1] = def.Steps[1], def.Steps[0]
	assert.True(t, validateOrdering(def).Valid())
}

func TestOrdering_UnknownAndSelfReferences(t *testing.T) {
	def := validDefinition()
	def.Steps[1].InputMapping = `{"a":"{{steps.ghost.id}}","b":"{{steps.notify.id}}"}`
	result := validateOrdering(def)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Message, `non-existent step "ghost"`)
	assert.Contains(t, result.Errors[1].Message, "its own output")
}

func TestOrdering_BuiltinConditionReferences(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Condition = "{{steps.notify.ok}} == 'true'"
	result := validateOrdering(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].condition", result.Errors[0].Path)

	def.Steps[0].ConditionEngine = "cel"
	def.Steps[0].Condition = `steps.notify.ok == true`
	assert.True(t, validateOrdering(def).Valid(), "engine conditions are not scanned")
}
