// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/juju/gnuflag"
)

const helpPurpose = "Show help on a command."

type helpCommand struct {
	CommandBase
	super  *SuperCommand
	topic  string
	target Command
}

func (c *helpCommand) Info() *Info {
	return &Info{
		Name:    "help",
		Args:    "[command]",
		Purpose: helpPurpose,
	}
}

func (c *helpCommand) Init(args []string) error {
	c.topic, c.target = "", nil
	if len(args) == 0 {
		return nil
	}
	if len(args) > 1 {
		return fmt.Errorf("extra arguments to command help: %q", args[1:])
	}
	c.topic = args[0]
	target, ok := c.super.subcmds[c.topic]
	if !ok {
		return fmt.Errorf("unknown command or topic for %s", c.topic)
	}
	c.target = target
	return nil
}

func (c *helpCommand) Run(ctx *Context) error {
	if c.target == nil {
		// Print the usage of the super command itself, as if nothing had
		// been selected.
		c.super.action = nil
		f := gnuflag.NewFlagSet(c.super.Name, gnuflag.ContinueOnError)
		f.SetOutput(io.Discard)
		c.super.SetFlags(f)
		_, err := ctx.Stdout.Write(c.super.Info().Help(f))
		return err
	}

	info := *c.target.Info()
	info.Name = fmt.Sprintf("%s %s", c.super.Name, info.Name)
	f := gnuflag.NewFlagSet(info.Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.target.SetFlags(f)
	_, err := ctx.Stdout.Write(info.Help(f))
	return err
}

// describe lines up command names and their purposes, one per line.
func describe(commands map[string]string) string {
	names := make([]string, 0, len(commands))
	longest := 0
	for name := range commands {
		if len(name) > longest {
			longest = len(name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = fmt.Sprintf("    %-*s  %s", longest, name, commands[name])
	}
	return strings.Join(lines, "\n") + "\n"
}
