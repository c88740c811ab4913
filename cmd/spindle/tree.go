package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/tree"
)

func treeCmd() *cli.Command {
	var width int64
	return &cli.Command{
		Name:  "tree",
		Usage: "Print a built-in Medusa candidate tree",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "width",
				Aliases:     []string{"w"},
				Usage:       fmt.Sprintf("tree preset, one of %v (0 = all)", tree.PresetWidths()),
				Destination: &width,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			widths := tree.PresetWidths()
			if width != 0 {
				widths = []int{int(width)}
			}
			for i, w := range widths {
				spec, err := tree.Preset(w)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if i > 0 {
					fmt.Println()
				}
				printTree(os.Stdout, spec)
			}
			return nil
		},
	}
}

func printTree(w io.Writer, spec *tree.Spec) {
	_, _ = fmt.Fprintf(w, "width %d, %d heads, top-k %v\n", spec.Width(), spec.Heads(), spec.TopK())
	_, _ = fmt.Fprint(w, spec.String())
	_, _ = fmt.Fprintln(w, "paths:")
	for _, p := range spec.Paths() {
		_, _ = fmt.Fprintf(w, "  %v\n", p)
	}
	_, _ = fmt.Fprintln(w, "attention:")
	for _, row := range spec.Adjacency() {
		var sb strings.Builder
		for _, v := range row {
			if v {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('.')
			}
		}
		_, _ = fmt.Fprintf(w, "  %s\n", sb.String())
	}
}
