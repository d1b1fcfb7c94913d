package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/patchies/gopatchies/graph"
	"github.com/patchies/gopatchies/nodes"
)

// console echoes node output to the terminal.
type console struct {
	mu  sync.Mutex
	out io.Writer

	node  *color.Color
	warn  *color.Color
	error *color.Color
}

func newConsole(out io.Writer) *console {
	return &console{
		out:   out,
		node:  color.New(color.FgCyan),
		warn:  color.New(color.FgYellow),
		error: color.New(color.FgRed, color.Bold),
	}
}

func (c *console) print(ev nodes.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := c.node.Sprintf("[%s]", ev.NodeID)
	if ev.Kind == nodes.EventShaderError {
		lines := make([]int, 0, len(ev.LineErrors))
		for line := range ev.LineErrors {
			lines = append(lines, line)
		}
		slices.Sort(lines)
		fmt.Fprintln(c.out, prefix, c.error.Sprint(fmt.Sprint(ev.Args...)))
		for _, line := range lines {
			for _, msg := range ev.LineErrors[line] {
				fmt.Fprintf(c.out, "%s   line %d: %s\n", prefix, line, msg)
			}
		}
		return
	}

	text := strings.TrimSpace(fmt.Sprintln(ev.Args...))
	switch ev.Level {
	case nodes.LevelError:
		text = c.error.Sprint(text)
	case nodes.LevelWarn:
		text = c.warn.Sprint(text)
	}
	fmt.Fprintln(c.out, prefix, text)
}

// printPatch renders the nodes of p as a table.
func printPatch(out io.Writer, p *graph.Patch, registry *nodes.Registry) error {
	g, err := graph.BuildRenderGraph(p.Nodes, p.Edges)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.Header("Order", "Node", "Type", "Renderer", "Inputs")
	for i, id := range g.SortedNodes {
		n, _ := g.Node(id)
		renderer := "fbo"
		if _, ok := registry.Lookup(n.Type); ok {
			renderer = "node"
		}
		if err := table.Append([]string{fmt.Sprint(i + 1), n.ID, n.Type, renderer, strings.Join(n.Inputs, ", ")}); err != nil {
			return err
		}
	}
	return table.Render()
}
