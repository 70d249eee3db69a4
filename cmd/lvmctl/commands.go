// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/lvmd/internal/cmd"
	"github.com/juju/lvmd/internal/worker/controlsocket"
)

const listDoc = `
List the objects published by lvmd. Pass a kind (volume-group,
logical-volume, block, job or manager) to only list objects of
that kind.

Examples:
    lvmctl list
    lvmctl list logical-volume --format yaml
`

type listCommand struct {
	cmd.CommandBase
	socket *socketFlag
	out    cmd.Output
	kind   string
}

func (c *listCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "list",
		Args:    "[<kind>]",
		Purpose: "List published objects.",
		Doc:     listDoc,
		Aliases: []string{"ls"},
	}
}

func (c *listCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
		"tabular": formatObjectsTabular,
	})
}

func (c *listCommand) Init(args []string) error {
	if len(args) > 0 {
		c.kind, args = args[0], args[1:]
	}
	return cmd.CheckEmpty(args)
}

func (c *listCommand) Run(ctx *cmd.Context) error {
	objects, err := newClient(c.socket.path).Objects(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	selected := make([]controlsocket.ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if c.kind == "" || obj.Kind == c.kind {
			selected = append(selected, obj)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Path < selected[j].Path
	})
	return c.out.Write(ctx, selected)
}

var kindColors = map[string]*ansiterm.Context{
	"volume-group":   ansiterm.Foreground(ansiterm.Green),
	"logical-volume": ansiterm.Foreground(ansiterm.BrightBlue),
	"block":          ansiterm.Foreground(ansiterm.Yellow),
	"job":            ansiterm.Foreground(ansiterm.Magenta),
}

func formatObjectsTabular(writer io.Writer, value interface{}) error {
	objects, ok := value.([]controlsocket.ObjectInfo)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", objects, value)
	}
	tw := cmd.TabWriter(writer)
	w := cmd.Wrapper{TabWriter: tw}
	w.Println("Kind", "Name", "Size", "Path")
	for _, obj := range objects {
		w.PrintColor(kindColors[obj.Kind], obj.Kind)
		w.Print(objectName(obj), objectSize(obj))
		w.Println(obj.Path)
	}
	return tw.Flush()
}

// objectName picks the property that names an object of the given kind.
func objectName(obj controlsocket.ObjectInfo) string {
	key := "Name"
	switch obj.Kind {
	case "logical-volume", "volume-group":
		key = "DisplayName"
	case "block":
		key = "Device"
	case "job":
		key = "Operation"
	}
	if name, ok := obj.Properties[key].(string); ok {
		return name
	}
	return "-"
}

func objectSize(obj controlsocket.ObjectInfo) string {
	size, ok := obj.Properties["Size"].(int64)
	if !ok {
		if pv, isPV := obj.Properties["PhysicalVolume"].(map[string]interface{}); isPV {
			size, ok = pv["Size"].(int64)
		}
	}
	if !ok || size < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(size))
}

const showDoc = `
Show the properties of the object published at an object path.

Examples:
    lvmctl show /org/freedesktop/UDisks2/lvm/vg0
`

type showCommand struct {
	cmd.CommandBase
	socket *socketFlag
	out    cmd.Output
	path   string
}

func (c *showCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "show",
		Args:    "<path>",
		Purpose: "Show a published object.",
		Doc:     showDoc,
	}
}

func (c *showCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
}

func (c *showCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no object path specified")
	}
	c.path, args = args[0], args[1:]
	return cmd.CheckEmpty(args)
}

func (c *showCommand) Run(ctx *cmd.Context) error {
	obj, err := newClient(c.socket.path).Object(ctx, c.path)
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, obj)
}

const callDoc = `
Invoke a method on the manager, a volume group or a logical volume.
The target is "manager", a volume group name or "<group>/<volume>".
Method arguments are given as a JSON object. The path of any object
created or renamed by the call is printed.

Examples:
    lvmctl call manager volume-group-create '{"name":"vg0","blocks":["/org/freedesktop/UDisks2/block_devices/sdb"]}'
    lvmctl call vg0 create-plain-volume '{"name":"data","size":1073741824}'
    lvmctl call vg0/data deactivate
`

type callCommand struct {
	cmd.CommandBase
	socket *socketFlag
	target string
	method string
	body   []byte
}

func (c *callCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "call",
		Args:    "<target> <method> [<json>]",
		Purpose: "Invoke a method on a managed object.",
		Doc:     callDoc,
	}
}

func (c *callCommand) Init(args []string) error {
	if len(args) < 2 {
		return errors.New("expected a target and a method")
	}
	c.target, c.method, args = args[0], args[1], args[2:]
	if len(args) > 0 {
		if !json.Valid([]byte(args[0])) {
			return errors.NotValidf("method arguments %q", args[0])
		}
		c.body, args = []byte(args[0]), args[1:]
	}
	return cmd.CheckEmpty(args)
}

func (c *callCommand) Run(ctx *cmd.Context) error {
	path, err := newClient(c.socket.path).Call(ctx, c.target, c.method, c.body)
	if err != nil {
		return errors.Trace(err)
	}
	if path != "" {
		fmt.Fprintln(ctx.Stdout, path)
	}
	return nil
}
