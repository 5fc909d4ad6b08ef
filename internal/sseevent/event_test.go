package sseevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_RequiresData(t *testing.T) {
	e := New([]byte(`{"path":"news"}`))
	assert.False(t, e.Compile())
}

func TestCompile_OptionalFieldsMissingSucceeds(t *testing.T) {
	e := New([]byte(`{"path":"news","data":"hello"}`))
	require.True(t, e.Compile())
	assert.Equal(t, "news", e.Path())
	assert.Empty(t, e.ID())
	assert.Empty(t, e.EventType())
}

func TestCompile_MalformedJSONFails(t *testing.T) {
	e := New([]byte(`not json`))
	assert.False(t, e.Compile())
}

func TestSetPath_OverridesJSONPath(t *testing.T) {
	e := New([]byte(`{"path":"ignored","data":"x"}`))
	e.SetPath("news")
	require.True(t, e.Compile())
	assert.Equal(t, "news", e.Path())
}

func TestBasepathSubpathDerivation(t *testing.T) {
	e := New([]byte(`{"path":"/news/sports","data":"x"}`))
	require.True(t, e.Compile())
	assert.Equal(t, "news", e.Basepath())
	assert.Equal(t, "sports", e.Subpath())
}

func TestSerialize_FullRecord(t *testing.T) {
	e := New([]byte(`{"path":"news","data":"hello","id":"1","event":"msg","retry":1000}`))
	require.True(t, e.Compile())
	assert.Equal(t, "id: 1\nevent: msg\nretry: 1000\ndata: hello\n\n", e.Serialize())
}

func TestSerialize_MultilineData(t *testing.T) {
	e := New([]byte(`{"path":"news","data":"a\nb\nc"}`))
	require.True(t, e.Compile())
	assert.Equal(t, "data: a\ndata: b\ndata: c\n\n", e.Serialize())
}

func TestSerialize_EmptyIffDataOrPathEmpty(t *testing.T) {
	noPath := New([]byte(`{"path":"","data":"x"}`))
	require.True(t, noPath.Compile())
	assert.Empty(t, noPath.Serialize())

	noData := &Event{path: "news", data: []string{""}}
	assert.Empty(t, noData.Serialize())
}
