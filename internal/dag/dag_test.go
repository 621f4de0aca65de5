package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	id       string
	children []string
}

func (n node) NodeID() string     { return n.id }
func (n node) ChildIDs() []string { return n.children }

func ids(nodes []node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.id)
	}
	return out
}

// A -> {B, C} -> D
func diamond() []node {
	return []node{
		{id: "A", children: []string{"B", "C"}},
		{id: "B", children: []string{"D"}},
		{id: "C", children: []string{"D"}},
		{id: "D"},
	}
}

func TestDAG_Diamond(t *testing.T) {
	d, err := New(diamond())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(d.Origins()))
	assert.Equal(t, []string{"D"}, ids(d.Lasts()))
	assert.Equal(t, []string{"B", "C"}, ids(d.SubNodes("A")))
	assert.Equal(t, []string{"B", "C"}, ids(d.PreNodes("D")))
	assert.Empty(t, d.PreNodes("A"))
	assert.Empty(t, d.SubNodes("D"))
	assert.Nil(t, d.SubNodes("missing"))
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(d.Nodes()))

	n, ok := d.Node("C")
	require.True(t, ok)
	assert.Equal(t, "C", n.id)
}

func TestDAG_SingleNode(t *testing.T) {
	d, err := New([]node{{id: "J"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"J"}, ids(d.Origins()))
	assert.Equal(t, []string{"J"}, ids(d.Lasts()))
}

func TestDAG_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		nodes []node
		want  error
	}{
		{
			name:  "missing child",
			nodes: []node{{id: "A", children: []string{"X"}}},
			want:  ErrNodeNotFound,
		},
		{
			name:  "duplicate id",
			nodes: []node{{id: "A"}, {id: "A"}},
			want:  ErrDuplicateNode,
		},
		{
			name:  "empty",
			nodes: nil,
			want:  ErrNoOrigin,
		},
		{
			name: "full ring has no origin",
			nodes: []node{
				{id: "A", children: []string{"B"}},
				{id: "B", children: []string{"A"}},
			},
			want: ErrNoOrigin,
		},
		{
			name: "cycle behind an origin",
			nodes: []node{
				{id: "A", children: []string{"B"}},
				{id: "B", children: []string{"C"}},
				{id: "C", children: []string{"B", "D"}},
				{id: "D"},
			},
			want: ErrCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.nodes)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
