package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// mockActionLookup implements ActionLookup for tests.
type mockActionLookup struct {
	registered map[string]bool
}

func (m *mockActionLookup) Has(actionType, version string) bool {
	return m.registered[actionType+"@"+version]
}

// newMockLookup registers each action type at v1.
func newMockLookup(actionTypes ...string) *mockActionLookup {
	m := &mockActionLookup{registered: make(map[string]bool)}
	for _, a := range actionTypes {
		m.registered[a+"@v1"] = true
	}
	return m
}

func newDeps(t *testing.T, lookup ActionLookup) semanticDeps {
	t.Helper()
	ce, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	return semanticDeps{actions: lookup, conditions: ce, schemas: newSchemaValidator(t)}
}

func strPtr(s string) *string { return &s }

func TestSemantic_Valid(t *testing.T) {
	result := validateSemantic(validDefinition(), newDeps(t, newMockLookup("calendar.create", "notify.send")))
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestSemantic_ActionNotRegistered(t *testing.T) {
	result := validateSemantic(validDefinition(), newDeps(t, newMockLookup("calendar.create")))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].action_type", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "notify.send@v1")
}

func TestSemantic_VersionMatters(t *testing.T) {
	def := validDefinition()
	def.Steps[0].ActionVersion = "v2"
	result := validateSemantic(def, newDeps(t, newMockLookup("calendar.create", "notify.send")))
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "calendar.create@v2")
}

func TestSemantic_NilLookupSkipsActionChecks(t *testing.T) {
	result := validateSemantic(validDefinition(), newDeps(t, nil))
	assert.True(t, result.Valid())
}

func TestSemantic_DuplicateAliasAndOrder(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, schema.ChainDefinitionStep{
		Alias: "notify", ActionType: "notify.send", ActionVersion: "v1", StepOrder: 1,
	})
	result := validateSemantic(def, newDeps(t, nil))
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "steps[2].alias", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `duplicate step alias "notify"`)
	assert.Equal(t, "steps[2].step_order", result.Errors[1].Path)
	assert.Contains(t, result.Errors[1].Message, `"create_event"`)
}

func TestSemantic_Conditions(t *testing.T) {
	tests := []struct {
		name      string
		engine    string
		condition string
		wantPath  string
	}{
		{"builtin never compiled", "", "{{trigger.kind}} == 'x'", ""},
		{"cel ok", "cel", `trigger.kind == "x"`, ""},
		{"cel broken", "cel", `trigger.(`, "steps[0].condition"},
		{"expr broken", "expr", `trigger.kind ==`, "steps[0].condition"},
		{"jq broken", "jq", `.trigger | [`, "steps[0].condition"},
		{"unknown engine", "lua", `x`, "steps[0].condition_engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.Steps[0].ConditionEngine = tt.engine
			def.Steps[0].Condition = tt.condition
			result := validateSemantic(def, newDeps(t, nil))
			if tt.wantPath == "" {
				assert.True(t, result.Valid(), "%v", result.Errors)
				return
			}
			require.Len(t, result.Errors, 1)
			assert.Equal(t, tt.wantPath, result.Errors[0].Path)
		})
	}
}

func TestSemantic_OutputTransform(t *testing.T) {
	def := validDefinition()
	def.Steps[0].OutputTransform = "{id: .id"
	result := validateSemantic(def, newDeps(t, nil))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].output_transform", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeExpression, result.Errors[0].Code)
}

func TestSemantic_Compensation(t *testing.T) {
	t.Run("missing type", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].IsCompensatable = true
		result := validateSemantic(def, newDeps(t, nil))
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "steps[0].compensation_action_type", result.Errors[0].Path)
	})

	t.Run("blank type", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].IsCompensatable = true
		def.Steps[0].CompensationActionType = strPtr("  ")
		assert.False(t, validateSemantic(def, newDeps(t, nil)).Valid())
	})

	t.Run("type without flag warns", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].CompensationActionType = strPtr("calendar.delete")
		result := validateSemantic(def, newDeps(t, nil))
		assert.True(t, result.Valid())
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0].Message, "not compensatable")
	})

	t.Run("unregistered compensation action", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].IsCompensatable = true
		def.Steps[0].CompensationActionType = strPtr("calendar.delete")
		result := validateSemantic(def, newDeps(t, newMockLookup("calendar.create", "notify.send")))
		require.Len(t, result.Errors, 1)
		assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
		assert.Contains(t, result.Errors[0].Message, "calendar.delete@v1")
	})

	t.Run("registered compensation action", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].IsCompensatable = true
		def.Steps[0].CompensationActionType = strPtr("calendar.delete")
		result := validateSemantic(def, newDeps(t, newMockLookup("calendar.create", "calendar.delete", "notify.send")))
		assert.True(t, result.Valid(), "%v", result.Errors)
	})
}

func TestSemantic_InputSchemaMustCompile(t *testing.T) {
	def := validDefinition()
	def.Steps[1].InputSchema = []byte(`{"type":"nope"}`)
	result := validateSemantic(def, newDeps(t, nil))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[1].input_schema", result.Errors[0].Path)
}

func TestSemantic_HighRetryWarning(t *testing.T) {
	def := validDefinition()
	n := 25
	def.Steps[0].MaxRetries = &n
	result := validateSemantic(def, newDeps(t, nil))
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].max_retries", result.Warnings[0].Path)
}
