package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "roomcheck", cmd.Use)
	assert.Contains(t, cmd.Long, "room isolation")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range [][]string{{"run"}, {"validate"}, {"history"}, {"history", "show"}} {
		t.Run(name[len(name)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(name)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, name[len(name)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"config", "endpoint", "timeout", "echo", "filter", "db"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run --%s", name)
	}
	assert.Equal(t, "true", runCmd.Flags().Lookup("echo").DefValue)
	assert.Equal(t, "c", runCmd.Flags().Lookup("config").Shorthand)
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{"validate", "--format", "xml", "testdata/scenarios/basic.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, errOut.String(), `invalid format "xml"`)
}
