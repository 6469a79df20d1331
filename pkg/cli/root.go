package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single command, including provider round trips
const DefaultTimeout = 30 * time.Second

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	out io.Writer
}

// Env is what every subcommand runs against
type Env struct {
	In      io.Reader
	Out     io.Writer
	Log     *logrus.Logger
	Timeout time.Duration
	// Open builds the session and admin workflow for one command
	Open Opener
}

// NewRootCommand creates the root command wired to the real identity provider
// and database
func NewRootCommand() *Command {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if level, err := logrus.ParseLevel(os.Getenv("HEARTH_LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	return NewRootCommandWithEnv(&Env{
		In:      os.Stdin,
		Out:     os.Stdout,
		Log:     log,
		Timeout: DefaultTimeout,
		Open:    OpenWorkspace(log),
	})
}

// NewRootCommandWithEnv creates the root command over env
func NewRootCommandWithEnv(env *Env) *Command {
	if env.In == nil {
		env.In = os.Stdin
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.Log == nil {
		env.Log = logrus.New()
		env.Log.SetOutput(io.Discard)
	}
	if env.Timeout <= 0 {
		env.Timeout = DefaultTimeout
	}

	root := &Command{
		Name:        "hearthctl",
		Description: "hearthctl - sign in and manage roles",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("hearthctl", flag.ContinueOnError),
		out:         env.Out,
	}

	root.Subcommands["login"] = newLoginCommand(env)
	root.Subcommands["logout"] = newLogoutCommand(env)
	root.Subcommands["whoami"] = newWhoamiCommand(env)
	root.Subcommands["refresh"] = newRefreshCommand(env)
	root.Subcommands["can"] = newCanCommand(env)
	root.Subcommands["promote"] = newPromoteCommand(env)
	root.Subcommands["demote"] = newDemoteCommand(env)

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the command with args, excluding the program name
func (c *Command) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	// Check for help flag
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		err := subcmd.Run(args[1:])
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
