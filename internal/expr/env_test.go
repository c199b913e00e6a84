package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchBindsDocumentAndParams(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`doc.discoveryId == params.discoveryId`)
	require.NoError(t, err)

	matched, err := program.Match("it-1", map[string]any{"discoveryId": "d1"}, map[string]any{"discoveryId": "d1"})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.Match("it-2", map[string]any{"discoveryId": "d2"}, map[string]any{"discoveryId": "d1"})
	require.NoError(t, err)
	require.False(t, matched)
}

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(doc, "timeline") != null`)
	require.NoError(t, err)

	matched, err := program.Match("d1", map[string]any{"timeline": "1889: opened"}, nil)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to find existing key")

	matched, err = program.Match("d2", map[string]any{"name": "x"}, nil)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestMatchExposesID(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`id != params.exclude`)
	require.NoError(t, err)

	matched, err := program.Match("keep", nil, map[string]any{"exclude": "drop"})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`"text"`)
	require.Error(t, err)
	_, err = env.Compile(`   `)
	require.Error(t, err)
	_, err = env.Compile(`doc.`)
	require.Error(t, err)
}

func TestCompileMemoizesPrograms(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	first, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", first.Source())

	second, err := env.Compile("true")
	require.NoError(t, err)
	require.Equal(t, first.Source(), second.Source())
	require.Len(t, env.programs, 1)
}
