package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stemflow/internal/arraystore"
	"stemflow/internal/logging"
	"stemflow/internal/services"
)

func newStoreCommand(ctx *commandContext) *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and manage array stores",
	}
	storeCmd.AddCommand(newStoreInitCommand(ctx))
	storeCmd.AddCommand(newStoreTreeCommand(ctx))
	storeCmd.AddCommand(newStoreAttrsCommand(ctx))
	storeCmd.AddCommand(newStoreRemoveCommand(ctx))
	return storeCmd
}

func (c *commandContext) storePath(name string) (string, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	return cfg.ResolveStorePath(name)
}

func newStoreInitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init <store>",
		Short: "Create an empty store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ctx.storePath(args[0])
			if err != nil {
				return err
			}
			store, err := arraystore.Create(cmd.Context(), path, arraystore.WithLogger(logging.NewNop()))
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}
}

func newStoreTreeCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "tree <store>",
		Short: "List groups and datasets in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ctx.storePath(args[0])
			if err != nil {
				return err
			}
			store, err := arraystore.OpenReadOnly(cmd.Context(), path, arraystore.WithLogger(logging.NewNop()))
			if err != nil {
				return err
			}
			defer store.Close()
			nodes := store.Traverse(cmd.Context())
			if jsonOut {
				return writeJSON(cmd, nodeViews(nodes))
			}
			renderNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func newStoreAttrsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "attrs <store> <dataset>",
		Short: "Show the attributes of a group or dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ctx.storePath(args[0])
			if err != nil {
				return err
			}
			store, err := arraystore.OpenReadOnly(cmd.Context(), path, arraystore.WithLogger(logging.NewNop()))
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.Dataset(cmd.Context(), args[1]); err != nil {
				return err
			}
			attrs := store.Attributes(cmd.Context(), args[1])
			rows := make([][]string, 0, attrs.Len())
			for _, key := range attrs.Keys() {
				v, _ := attrs.Get(key)
				rows = append(rows, []string{key, string(v.Kind()), v.String()})
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No attributes")
				return nil
			}
			fmt.Fprintln(out, renderTable([]column{{header: "Key"}, {header: "Type"}, {header: "Value"}}, rows))
			return nil
		},
	}
}

func newStoreRemoveCommand(ctx *commandContext) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <store> [dataset]",
		Short: "Delete a dataset, or the whole store with --force",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ctx.storePath(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				if !force {
					return errors.New("refusing to delete a whole store without --force")
				}
				if err := arraystore.RemoveFile(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %s\n", path)
				return nil
			}
			store, err := arraystore.Open(cmd.Context(), path, arraystore.WithLogger(logging.NewNop()))
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.Dataset(cmd.Context(), args[1]); err != nil {
				return err
			}
			if !store.DeleteDataset(cmd.Context(), args[1]) {
				return services.Wrap(services.ErrWriteFailure, "cli", "store rm", args[1], nil)
			}
			fmt.Fprintf(out, "Deleted %s from %s\n", arraystore.CleanName(args[1]), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Allow deleting the whole store")
	return cmd
}

type nodeView struct {
	Name  string         `json:"name"`
	Kind  string         `json:"kind"`
	DType string         `json:"dtype,omitempty"`
	Shape []int          `json:"shape,omitempty"`
	Chunk []int          `json:"chunk,omitempty"`
	Bytes uint64         `json:"bytes,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

func nodeViews(nodes []arraystore.Node) []nodeView {
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := nodeView{
			Name:  n.Name,
			Kind:  string(n.Kind),
			DType: string(n.DType),
			Shape: n.Shape,
			Chunk: n.Chunk,
			Bytes: nodeBytes(n),
		}
		if n.Attrs != nil && n.Attrs.Len() > 0 {
			v.Attrs = n.Attrs.Map()
		}
		views = append(views, v)
	}
	return views
}

func nodeBytes(n arraystore.Node) uint64 {
	if n.Kind != arraystore.NodeDataset || len(n.Shape) == 0 {
		return 0
	}
	total := uint64(n.DType.Size())
	for _, d := range n.Shape {
		total *= uint64(d)
	}
	return total
}

func renderNodes(out io.Writer, nodes []arraystore.Node) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "Store is empty")
		return
	}
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		size := ""
		if b := nodeBytes(n); b > 0 {
			size = humanize.IBytes(b)
		}
		attrs := ""
		if n.Attrs != nil && n.Attrs.Len() > 0 {
			attrs = strconv.Itoa(n.Attrs.Len())
		}
		rows = append(rows, []string{n.Name, string(n.Kind), string(n.DType), joinInts(n.Shape), joinInts(n.Chunk), size, attrs})
	}
	fmt.Fprintln(out, renderTable([]column{
		{header: "Name"},
		{header: "Kind"},
		{header: "Type"},
		{header: "Shape"},
		{header: "Chunk"},
		{header: "Size", align: alignRight},
		{header: "Attrs", align: alignRight},
	}, rows))
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "x")
}
