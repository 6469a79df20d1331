package cli

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()

	assert.Equal(t, "hearthctl", root.Name)
	assert.NotNil(t, root.Subcommands)
	assert.NotNil(t, root.Flags)

	expectedCommands := []string{
		"login",
		"logout",
		"whoami",
		"refresh",
		"can",
		"promote",
		"demote",
	}
	for _, cmdName := range expectedCommands {
		assert.Contains(t, root.Subcommands, cmdName, "Expected subcommand %s to be registered", cmdName)
		assert.NotNil(t, root.Subcommands[cmdName].Run, "Expected subcommand %s to be runnable", cmdName)
	}
	assert.Equal(t, len(expectedCommands), len(root.Subcommands))
}

func TestCommandUsage(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommandWithEnv(&Env{Out: &out})

	require.NoError(t, root.usage())

	output := out.String()
	assert.Contains(t, output, "Usage: hearthctl <command> [args]")
	assert.Contains(t, output, "Commands:")
	for name := range root.Subcommands {
		assert.Contains(t, output, name)
	}
	// Sorted so the listing is stable
	assert.Less(t, bytes.Index(out.Bytes(), []byte("can")), bytes.Index(out.Bytes(), []byte("whoami")))
}

func TestCommandExecute_NoArgs(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommandWithEnv(&Env{Out: &out})

	oldArgs := os.Args
	os.Args = []string{"hearthctl"}
	defer func() { os.Args = oldArgs }()

	err := root.Execute()

	assert.NoError(t, err)
	assert.Contains(t, out.String(), "Usage: hearthctl <command> [args]")
}

func TestCommandExecute_HelpFlag(t *testing.T) {
	for _, flag := range []string{"-h", "--help", "help"} {
		t.Run(flag, func(t *testing.T) {
			var out bytes.Buffer
			root := NewRootCommandWithEnv(&Env{Out: &out})

			err := root.ExecuteArgs([]string{flag})

			assert.NoError(t, err)
			assert.Contains(t, out.String(), "Usage: hearthctl <command> [args]")
		})
	}
}

func TestCommandExecute_ValidSubcommand(t *testing.T) {
	root := NewRootCommandWithEnv(&Env{Out: &bytes.Buffer{}})

	var receivedArgs []string
	root.Subcommands["test"] = &Command{
		Name:        "test",
		Description: "Test command",
		Run: func(args []string) error {
			receivedArgs = args
			return nil
		},
	}

	err := root.ExecuteArgs([]string{"test", "--flag", "value", "arg1"})

	assert.NoError(t, err)
	assert.Equal(t, []string{"--flag", "value", "arg1"}, receivedArgs)
}

func TestCommandExecute_UnknownCommand(t *testing.T) {
	root := NewRootCommandWithEnv(&Env{Out: &bytes.Buffer{}})

	err := root.ExecuteArgs([]string{"nonexistent"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: nonexistent")
}

func TestCommandExecute_SubcommandError(t *testing.T) {
	root := NewRootCommandWithEnv(&Env{Out: &bytes.Buffer{}})
	boom := errors.New("boom")
	root.Subcommands["fail"] = &Command{
		Name: "fail",
		Run:  func([]string) error { return boom },
	}

	err := root.ExecuteArgs([]string{"fail"})

	assert.ErrorIs(t, err, boom)
}

func TestCommandExecute_SubcommandHelp(t *testing.T) {
	root := NewRootCommandWithEnv(&Env{Out: &bytes.Buffer{}})
	root.Subcommands["login"].Flags.SetOutput(&bytes.Buffer{})

	err := root.ExecuteArgs([]string{"login", "-h"})

	assert.NoError(t, err)
}
