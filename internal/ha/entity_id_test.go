package ha

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"test_1", "test_1"},
		{"name with space", "name_with_space"},
		{"Hello World", "hello_world"},
		{"--weird--", "weird"},
		{"Kitchen Light!", "kitchen_light"},
		{"a__b", "a__b"},
		{"_leading", "_leading"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestIsSlug(t *testing.T) {
	assert.True(t, IsSlug("test_1"))
	assert.True(t, IsSlug("b1"))
	assert.False(t, IsSlug("name with space"))
	assert.False(t, IsSlug("Test"))
	assert.False(t, IsSlug(""))
	assert.True(t, IsSlug("my__switch"))
	assert.True(t, IsSlug("_leading"))
	assert.False(t, IsSlug("a-b"))
}

func TestSplitEntityID(t *testing.T) {
	domain, objectID, ok := SplitEntityID("input_boolean.test_1")
	require.True(t, ok)
	assert.Equal(t, "input_boolean", domain)
	assert.Equal(t, "test_1", objectID)

	_, _, ok = SplitEntityID("no_dot")
	assert.False(t, ok)
}

func TestParseEntityIDs(t *testing.T) {
	ids, err := ParseEntityIDs("input_boolean.a, INPUT_BOOLEAN.B")
	require.NoError(t, err)
	assert.Equal(t, []string{"input_boolean.a", "input_boolean.b"}, ids)

	ids, err = ParseEntityIDs([]interface{}{"input_boolean.a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"input_boolean.a"}, ids)

	_, err = ParseEntityIDs([]interface{}{1})
	assert.Error(t, err)

	_, err = ParseEntityIDs("not an id")
	assert.Error(t, err)

	_, err = ParseEntityIDs(" , ")
	assert.Error(t, err)

	_, err = ParseEntityIDs(42)
	assert.Error(t, err)
}

func TestNewContext(t *testing.T) {
	a := NewContext("abcd")
	b := NewContext("")

	assert.Len(t, a.ID, 32)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "abcd", a.UserID)

	child := a.Child()
	assert.Equal(t, a.ID, child.ParentID)
	assert.Equal(t, "abcd", child.UserID)
}
