package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() Definition {
	return Definition{
		Nodes: []Node{
			{ID: "n1", Type: NodeWebhookTrigger},
			{ID: "n2", Type: NodeCondition, Data: map[string]any{"expression": "{{n1.x}} > 3"}},
			{ID: "n3", Type: NodeTransform, Data: map[string]any{"expression": "{{n1.x}}"}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3", SourceHandle: "true"},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validDefinition().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Definition)
		want   string
	}{
		{"empty", func(d *Definition) { d.Nodes = nil }, "at least one node"},
		{"missing node id", func(d *Definition) { d.Nodes[0].ID = "" }, "node id is required"},
		{"duplicate node id", func(d *Definition) { d.Nodes[1].ID = "n1" }, "duplicate node id"},
		{"unknown type", func(d *Definition) { d.Nodes[2].Type = "teleport" }, "unknown node type"},
		{"condition without expression", func(d *Definition) { d.Nodes[1].Data = nil }, "requires an expression"},
		{"edge to nowhere", func(d *Definition) { d.Edges[0].Target = "ghost" }, "unknown target"},
		{"edge from nowhere", func(d *Definition) { d.Edges[0].Source = "ghost" }, "unknown source"},
		{"bad handle", func(d *Definition) { d.Edges[1].SourceHandle = "maybe" }, "unsupported handle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDefinition()
			tc.mutate(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateRequiresEntryNode(t *testing.T) {
	d := Definition{
		Nodes: []Node{
			{ID: "a", Type: NodeTransform, Data: map[string]any{"expression": "1"}},
			{ID: "b", Type: NodeTransform, Data: map[string]any{"expression": "2"}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}
	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entry node")
}

func TestTriggerNode(t *testing.T) {
	d := validDefinition()
	n, ok := d.TriggerNode()
	require.True(t, ok)
	assert.Equal(t, "n1", n.ID)

	d.Nodes = d.Nodes[1:]
	_, ok = d.TriggerNode()
	assert.False(t, ok)
}

func TestNewWebhookToken(t *testing.T) {
	a, err := NewWebhookToken()
	require.NoError(t, err)
	b, err := NewWebhookToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, "=")
}

func TestNewEmailAddress(t *testing.T) {
	addr, err := NewEmailAddress("in.loom.dev")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "trigger-"))
	assert.True(t, strings.HasSuffix(addr, "@in.loom.dev"))
	local := strings.TrimSuffix(strings.TrimPrefix(addr, "trigger-"), "@in.loom.dev")
	assert.Len(t, local, 24)
}
