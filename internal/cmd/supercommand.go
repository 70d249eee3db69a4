// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("lvmd.cmd")

// SuperCommandParams provides a way to have default parameter to the
// `NewSuperCommand` call.
type SuperCommandParams struct {
	Name    string
	Purpose string
	Doc     string

	// Log holds the Log value associated with the supercommand. If it's nil,
	// no logging flags will be configured.
	Log *Log

	// GlobalFlags specifies a value that can add more global flags to the
	// supercommand which will also be available on all subcommands.
	GlobalFlags FlagAdder
}

// FlagAdder represents a value that has associated flags.
type FlagAdder interface {
	// AddFlags adds the value's flags to the given flag set.
	AddFlags(*gnuflag.FlagSet)
}

// NewSuperCommand creates and initializes a new `SuperCommand`, and returns
// the fully initialized structure.
func NewSuperCommand(params SuperCommandParams) *SuperCommand {
	command := &SuperCommand{
		Name:        params.Name,
		Purpose:     params.Purpose,
		Doc:         params.Doc,
		Log:         params.Log,
		globalFlags: params.GlobalFlags,
	}
	command.help = &helpCommand{super: command}
	command.subcmds = map[string]Command{
		"help": command.help,
	}
	return command
}

// SuperCommand is a Command that selects a subcommand and assumes its
// properties; any command line arguments that were not used in selecting
// the subcommand are passed down to it, and to Run a SuperCommand is to run
// its selected subcommand.
type SuperCommand struct {
	CommandBase
	Name        string
	Purpose     string
	Doc         string
	Log         *Log
	globalFlags FlagAdder
	subcmds     map[string]Command
	help        *helpCommand
	commonflags *gnuflag.FlagSet
	action      Command
	actionName  string
	showHelp    bool
}

// IsSuperCommand implements Command.IsSuperCommand
func (c *SuperCommand) IsSuperCommand() bool {
	return true
}

// Register makes a subcommand available for use on the command line. The
// command will be available via its own name, and via any supplied aliases.
func (c *SuperCommand) Register(subcmd Command) {
	info := subcmd.Info()
	c.insert(info.Name, subcmd)
	for _, name := range info.Aliases {
		c.insert(name, subcmd)
	}
}

func (c *SuperCommand) insert(name string, subcmd Command) {
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcmds[name] = subcmd
}

// describeCommands returns a short description of each registered subcommand.
func (c *SuperCommand) describeCommands() map[string]string {
	result := make(map[string]string, len(c.subcmds))
	for name, subcmd := range c.subcmds {
		info := subcmd.Info()
		purpose := info.Purpose
		if info.Name != name {
			purpose = "Alias for '" + info.Name + "'."
		}
		result[name] = purpose
	}
	return result
}

// Info returns a description of the currently selected subcommand, or of the
// SuperCommand itself if no subcommand has been specified.
func (c *SuperCommand) Info() *Info {
	if c.action != nil {
		info := *c.action.Info()
		info.Name = fmt.Sprintf("%s %s", c.Name, info.Name)
		return &info
	}
	return &Info{
		Name:        c.Name,
		Args:        "<command> ...",
		Purpose:     c.Purpose,
		Doc:         strings.TrimSpace(c.Doc),
		Subcommands: c.describeCommands(),
	}
}

// SetFlags adds the options that apply to all commands, particularly those
// due to logging. They are shared with the selected subcommand.
func (c *SuperCommand) SetFlags(f *gnuflag.FlagSet) {
	if c.Log != nil {
		c.Log.AddFlags(f)
	}
	if c.globalFlags != nil {
		c.globalFlags.AddFlags(f)
	}
	f.BoolVar(&c.showHelp, "h", false, helpPurpose)
	f.BoolVar(&c.showHelp, "help", false, "")

	c.commonflags = gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	c.commonflags.SetOutput(io.Discard)
	f.VisitAll(func(flag *gnuflag.Flag) {
		c.commonflags.Var(flag.Value, flag.Name, flag.Usage)
	})
}

// AllowInterspersedFlags is false for a SuperCommand, so only options that
// relate to the SuperCommand itself can come before the subcommand name.
func (c *SuperCommand) AllowInterspersedFlags() bool {
	return false
}

// Init initializes the command for running.
func (c *SuperCommand) Init(args []string) error {
	if len(args) == 0 {
		c.action, c.actionName = c.help, "help"
		return c.action.Init(args)
	}

	var found bool
	if c.action, found = c.subcmds[args[0]]; !found {
		return fmt.Errorf("unrecognized command: %s %s", c.Name, args[0])
	}
	c.actionName = args[0]

	if c.commonflags == nil {
		f := gnuflag.NewFlagSet(c.Name, gnuflag.ContinueOnError)
		f.SetOutput(io.Discard)
		c.SetFlags(f)
	}
	c.action.SetFlags(c.commonflags)
	if err := c.commonflags.Parse(c.action.AllowInterspersedFlags(), args[1:]); err != nil {
		return err
	}
	cleanArgs := c.commonflags.Args()
	if c.showHelp {
		// Treat help for the command the same way as "help foo".
		cleanArgs = []string{c.actionName}
		c.action, c.actionName = c.help, "help"
	}
	return c.action.Init(cleanArgs)
}

// Run executes the subcommand that was selected in Init.
func (c *SuperCommand) Run(ctx *Context) error {
	if c.action == nil {
		panic("Run: missing subcommand; Init failed or not called")
	}
	if c.Log != nil {
		if err := c.Log.Start(ctx); err != nil {
			return err
		}
	}

	err := c.action.Run(ctx)
	if err != nil && !IsErrSilent(err) {
		WriteError(ctx.Stderr, err)
		logger.Debugf("error stack: \n%v", errors.ErrorStack(err))
		// The error has been reported; do not report it again in Main.
		err = ErrSilent
	} else if err == nil {
		logger.Debugf("command finished")
	}
	return err
}
