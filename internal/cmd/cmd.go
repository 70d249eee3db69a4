// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmd runs gnuflag based commands and command trees.
package cmd

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juju/gnuflag"
)

// ErrSilent can be returned from Run to signal that Main should exit with
// code 1 without producing error output.
var ErrSilent = stderr.New("cmd: error out silently")

// IsErrSilent returns whether the error should be logged from cmd.Main.
func IsErrSilent(err error) bool {
	return stderr.Is(err, ErrSilent)
}

// Info holds some of the usage documentation of a Command.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected positional arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string

	// Subcommands stores the name and description of each subcommand.
	Subcommands map[string]string

	// Aliases are other names for the Command.
	Aliases []string
}

// Help renders i's content, along with documentation for any
// flags defined in f.
func (i *Info) Help(f *gnuflag.FlagSet) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "Usage: %s", i.Name)
	hasOptions := false
	f.VisitAll(func(*gnuflag.Flag) { hasOptions = true })
	if hasOptions {
		fmt.Fprintf(buf, " [options]")
	}
	if i.Args != "" {
		fmt.Fprintf(buf, " %s", i.Args)
	}
	fmt.Fprintf(buf, "\n")
	if i.Purpose != "" {
		fmt.Fprintf(buf, "\nSummary:\n%s\n", strings.TrimSpace(i.Purpose))
	}
	if hasOptions {
		fmt.Fprintf(buf, "\nOptions:\n")
		f.SetOutput(buf)
		f.PrintDefaults()
		f.SetOutput(io.Discard)
	}
	if i.Doc != "" {
		fmt.Fprintf(buf, "\nDetails:\n%s\n", strings.TrimSpace(i.Doc))
	}
	if len(i.Subcommands) > 0 {
		fmt.Fprintf(buf, "\nCommands:\n%s", describe(i.Subcommands))
	}
	return buf.Bytes()
}

// Command is implemented by types that interpret command-line arguments.
type Command interface {
	// IsSuperCommand returns true if the command is a super command.
	IsSuperCommand() bool

	// Info returns information about the Command.
	Info() *Info

	// SetFlags adds command specific flags to the flag set.
	SetFlags(f *gnuflag.FlagSet)

	// Init initializes the Command before running.
	Init(args []string) error

	// Run will execute the Command as directed by the options and positional
	// arguments passed to Init.
	Run(ctx *Context) error

	// AllowInterspersedFlags returns whether the command allows flag
	// arguments to be interspersed with non-flag arguments.
	AllowInterspersedFlags() bool
}

// CommandBase provides the default implementation for SetFlags, Init, and Help.
type CommandBase struct{}

// IsSuperCommand implements Command.IsSuperCommand
func (c *CommandBase) IsSuperCommand() bool {
	return false
}

// SetFlags does nothing in the simplest case.
func (c *CommandBase) SetFlags(f *gnuflag.FlagSet) {}

// Init in the simplest case makes sure there are no args.
func (c *CommandBase) Init(args []string) error {
	return CheckEmpty(args)
}

// AllowInterspersedFlags returns true by default. Some subcommands
// may want to override this.
func (c *CommandBase) AllowInterspersedFlags() bool {
	return true
}

// Context represents the run context of a Command. Command implementations
// should interpret file names relative to Dir (see AbsPath below), and print
// output and errors to Stdout and Stderr respectively.
type Context struct {
	context.Context

	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultContext returns a Context suitable for use in non-hosted situations.
func DefaultContext() (*Context, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Context{
		Context: context.Background(),
		Dir:     dir,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}, nil
}

// Infof will write the formatted string to Stderr.
func (ctx *Context) Infof(format string, params ...interface{}) {
	fmt.Fprintf(ctx.Stderr, format+"\n", params...)
}

// AbsPath returns an absolute representation of path, with relative paths
// interpreted as relative to ctx.Dir.
func (ctx *Context) AbsPath(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return ctx.Dir + "/" + path
}

// CheckEmpty is a utility function that returns an error if args is not empty.
func CheckEmpty(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unrecognized args: %q", args)
	}
	return nil
}

// WriteError writes err to writer prefixed with ERROR, the way the
// logging would.
func WriteError(writer io.Writer, err error) {
	fmt.Fprintf(writer, "ERROR %v\n", err)
}

// Main runs the given Command in the supplied Context with the given
// arguments, which should not include the command name. It returns a code
// suitable for passing to os.Exit.
func Main(c Command, ctx *Context, args []string) int {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.SetFlags(f)
	if err := f.Parse(c.AllowInterspersedFlags(), args); err != nil {
		if stderr.Is(err, gnuflag.ErrHelp) {
			_, _ = ctx.Stdout.Write(c.Info().Help(f))
			return 0
		}
		WriteError(ctx.Stderr, err)
		return 2
	}
	if err := c.Init(f.Args()); err != nil {
		WriteError(ctx.Stderr, err)
		return 2
	}
	if err := c.Run(ctx); err != nil {
		if !IsErrSilent(err) {
			WriteError(ctx.Stderr, err)
		}
		return 1
	}
	return 0
}
