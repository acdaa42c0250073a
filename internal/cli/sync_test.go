package cli

import (
	"bytes"
	"testing"

	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		commands := cmd.Commands()

		found := false
		for _, c := range commands {
			if c.Name() == "sync" {
				found = true
				break
			}
		}
		assert.True(t, found, "sync command should exist")
	})

	t.Run("flags registered", func(t *testing.T) {
		for _, name := range []string{"tenant", "full", "force", "item", "type", "layer", "max-items"} {
			flag := syncCmd.Flags().Lookup(name)
			require.NotNil(t, flag, "flag %s should exist", name)
		}
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"sync", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "incremental")
		assert.Contains(t, helpText, "--full")
	})
}

func TestParseTypes(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		types, err := parseTypes([]string{"policy", "spec"})
		require.NoError(t, err)
		assert.Equal(t, []knowledge.ItemType{knowledge.ItemTypePolicy, knowledge.ItemTypeSpec}, types)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := parseTypes([]string{"memo"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "memo")
	})

	t.Run("empty", func(t *testing.T) {
		types, err := parseTypes(nil)
		require.NoError(t, err)
		assert.Empty(t, types)
	})
}

func TestParseLayers(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		layers, err := parseLayers([]string{"team", "project"})
		require.NoError(t, err)
		assert.Equal(t, []knowledge.Layer{knowledge.LayerTeam, knowledge.LayerProject}, layers)
	})

	t.Run("unknown layer", func(t *testing.T) {
		_, err := parseLayers([]string{"global"})
		require.Error(t, err)
	})
}
