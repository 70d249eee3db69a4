// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"

	"github.com/juju/lvmd/internal/cmd"
)

const lvmctlDoc = `
lvmctl inspects and drives a running lvmd over its control socket.
`

// NewLvmctlCommand returns the lvmctl command tree.
func NewLvmctlCommand() *cmd.SuperCommand {
	socket := &socketFlag{}
	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:        "lvmctl",
		Purpose:     "Control the LVM management daemon.",
		Doc:         lvmctlDoc,
		Log:         &cmd.Log{DefaultConfig: "<root>=WARNING"},
		GlobalFlags: socket,
	})
	super.Register(&listCommand{socket: socket})
	super.Register(&showCommand{socket: socket})
	super.Register(&callCommand{socket: socket})
	return super
}

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(NewLvmctlCommand(), ctx, os.Args[1:]))
}
