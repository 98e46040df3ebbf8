package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mastercactapus/atc/pocket"
)

// Offline maintenance. A running server keeps its own copy of the table
// and will overwrite these edits on its next write.
func newPocketsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pockets",
		Short: "Inspect and edit the pocket table without a controller",
	}

	open := func() (*pocket.Registry, error) {
		cfg, err := loadConfig(v)
		if err != nil {
			return nil, err
		}
		log, err := newLogger(v.GetString("log-level"))
		if err != nil {
			return nil, err
		}
		return openRegistry(cfg, log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every pocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := open()
			if err != nil {
				return err
			}
			printPockets(cmd.OutOrStdout(), reg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "assign <pocket> <tool>",
		Short: "Assign a tool to a pocket (0 empties it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			tool, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("tool: %w", err)
			}
			reg, err := open()
			if err != nil {
				return err
			}
			if _, err = reg.AssignTool(id, tool); err != nil {
				return err
			}
			printPockets(cmd.OutOrStdout(), reg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <pocket>",
		Short: "Forget the position and tool of a pocket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reg, err := open()
			if err != nil {
				return err
			}
			if _, err = reg.Clear(id); err != nil {
				return err
			}
			printPockets(cmd.OutOrStdout(), reg)
			return nil
		},
	})

	return cmd
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("pocket: %w", err)
	}
	return id, nil
}

func printPockets(w io.Writer, reg *pocket.Registry) {
	dups := reg.Duplicates()
	for _, p := range reg.Pockets() {
		pos := color.New(color.FgYellow).Sprint("untaught")
		if p.Taught {
			pos = color.New(color.FgGreen).Sprintf("X%.4f Y%.4f Z%.4f", p.Position.X, p.Position.Y, p.Position.Z)
		}
		tool := "-"
		if p.Tool != pocket.Unassigned {
			tool = "T" + strconv.Itoa(p.Tool)
		}
		var warn string
		if ids := dups[p.Tool]; len(ids) > 1 && ids[0] != p.ID {
			warn = color.New(color.FgRed).Sprintf(" (shadowed by pocket %d)", ids[0])
		}
		fmt.Fprintf(w, "%3d  %-4s %s%s\n", p.ID, tool, pos, warn)
	}
}
