package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) *ExecutionContext {
	t.Helper()
	ec := NewExecutionContext()
	require.NoError(t, ec.SetTriggerData(json.RawMessage(`{"title":"Standup","attendees":["ana","bo"],"count":3,"ratio":1.50,"flag":true,"none":null}`)))
	require.NoError(t, ec.SetStepOutput("create_event", json.RawMessage(`{"id":"evt-1","ok":"Yes","meta":{"calendar":"work"}}`)))
	return ec
}

func TestExecutionContext_GetValue(t *testing.T) {
	ec := newContext(t)

	cases := map[string]string{
		"trigger.title":                    "Standup",
		"trigger.count":                    "3",
		"trigger.ratio":                    "1.50",
		"trigger.flag":                     "true",
		"trigger.attendees":                `["ana","bo"]`,
		"trigger.attendees.1":              "bo",
		"steps.create_event.id":            "evt-1",
		"steps.create_event.meta":          `{"calendar":"work"}`,
		"steps.create_event.meta.calendar": "work",
	}
	for path, want := range cases {
		got, ok := ec.GetValue(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
}

func TestExecutionContext_GetValue_Missing(t *testing.T) {
	ec := newContext(t)

	for _, path := range []string{"", "steps.nope.id", "trigger.title.more", "trigger.none", "trigger.attendees.9", "nothing"} {
		_, ok := ec.GetValue(path)
		assert.False(t, ok, path)
	}
}

func TestExecutionContext_SetTriggerDataReplaces(t *testing.T) {
	ec := newContext(t)
	require.NoError(t, ec.SetTriggerData(json.RawMessage(`{"other":1}`)))

	_, ok := ec.GetValue("trigger.title")
	assert.False(t, ok)
	v, ok := ec.GetValue("trigger.other")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestExecutionContext_SetStepOutputCreatesNamespace(t *testing.T) {
	ec := NewExecutionContext()
	require.NoError(t, ec.SetStepOutput("a", json.RawMessage(`{"n":1}`)))
	require.NoError(t, ec.SetStepOutput("b", nil))

	v, ok := ec.GetValue("steps.a.n")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	out, ok := ec.StepOutput("b")
	require.True(t, ok)
	assert.JSONEq(t, `{}`, string(out))

	_, ok = ec.StepOutput("c")
	assert.False(t, ok)
}

func TestExecutionContext_InvalidJSON(t *testing.T) {
	ec := NewExecutionContext()
	assert.Error(t, ec.SetTriggerData(json.RawMessage(`{bad`)))
	assert.Error(t, ec.SetStepOutput("a", json.RawMessage(`[1,`)))
}

func TestExecutionContext_RoundTrip(t *testing.T) {
	ec := newContext(t)

	restored, err := ParseExecutionContext(ec.ToJSON())
	require.NoError(t, err)
	assert.JSONEq(t, string(ec.ToJSON()), string(restored.ToJSON()))

	v, ok := restored.GetValue("trigger.ratio")
	require.True(t, ok)
	assert.Equal(t, "1.50", v, "number literal survives persistence")
}

func TestParseExecutionContext_EmptyAndInvalid(t *testing.T) {
	for _, raw := range []string{"", "  ", "null"} {
		ec, err := ParseExecutionContext(json.RawMessage(raw))
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(ec.ToJSON()))
	}

	_, err := ParseExecutionContext(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
	_, err = ParseExecutionContext(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestExecutionContext_Data(t *testing.T) {
	data := NewExecutionContext().Data()
	assert.Equal(t, map[string]any{}, data["trigger"])
	assert.Equal(t, map[string]any{}, data["steps"])

	data = newContext(t).Data()
	trigger := data["trigger"].(map[string]any)
	assert.Equal(t, float64(3), trigger["count"])
}
