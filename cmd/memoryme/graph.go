package main

import (
	"github.com/spf13/cobra"

	"github.com/vosbek/memoryme/memory"
)

var (
	graphLimit     int
	graphTypeLimit int
	graphType      string
	graphDir       string
	graphDepth     int
	graphDelta     float64

	graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Inspect and edit the entity graph",
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			view, err := eng.Graph(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		}),
	}

	graphSearchCmd = &cobra.Command{
		Use:   "search <name>",
		Short: "Find entities by name",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			matches, err := eng.SearchEntities(cmd.Context(), args[0], graphLimit, graphType)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), matches)
		}),
	}

	graphEntityCmd = &cobra.Command{
		Use:   "entity <id>",
		Short: "Print an entity with its relationships",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			ent, err := eng.Entity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rels, err := eng.Relationships(cmd.Context(), ent.ID, memory.DirectionBoth)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				memory.Entity
				Relationships []memory.Relationship `json:"relationships"`
			}{ent, rels})
		}),
	}

	graphTypeCmd = &cobra.Command{
		Use:   "type <entity-type>",
		Short: "List entities of one type",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			ents, err := eng.EntitiesByType(cmd.Context(), args[0], graphTypeLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ents)
		}),
	}

	graphRelsCmd = &cobra.Command{
		Use:   "rels <entity-id>",
		Short: "List relationships of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			dir, err := memory.ParseDirection(graphDir)
			if err != nil {
				return err
			}
			rels, err := eng.Relationships(cmd.Context(), args[0], dir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rels)
		}),
	}

	graphPathCmd = &cobra.Command{
		Use:   "path <from-id> <to-id>",
		Short: "Print the shortest path between two entities",
		Args:  cobra.ExactArgs(2),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			dir, err := memory.ParseDirection(graphDir)
			if err != nil {
				return err
			}
			path, err := eng.Path(cmd.Context(), args[0], args[1], graphDepth, dir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), path)
		}),
	}

	graphAddCmd = &cobra.Command{
		Use:   "add <name> <entity-type> [observation]",
		Short: "Create a manual entity or add an observation to it",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			var obs string
			if len(args) == 3 {
				obs = args[2]
			}
			ent, err := eng.AddEntity(cmd.Context(), args[0], args[1], obs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ent)
		}),
	}

	graphRelateCmd = &cobra.Command{
		Use:   "relate <from-id> <to-id> <type>",
		Short: "Create a manual relationship or strengthen it",
		Args:  cobra.ExactArgs(3),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			rel, err := eng.Relate(cmd.Context(), args[0], args[1], args[2], graphDelta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rel)
		}),
	}

	graphDeleteCmd = &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete an entity and its relationships",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			ok, err := eng.DeleteEntity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{args[0]: ok})
		}),
	}
)

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphSearchCmd, graphEntityCmd, graphTypeCmd, graphRelsCmd,
		graphPathCmd, graphAddCmd, graphRelateCmd, graphDeleteCmd)

	graphSearchCmd.Flags().IntVarP(&graphLimit, "limit", "n", 10, "maximum matches")
	graphSearchCmd.Flags().StringVarP(&graphType, "type", "t", "", "only entities of this type")
	graphTypeCmd.Flags().IntVarP(&graphTypeLimit, "limit", "n", 50, "maximum entities")
	graphRelsCmd.Flags().StringVar(&graphDir, "direction", "both", "out, in or both")
	graphPathCmd.Flags().StringVar(&graphDir, "direction", "both", "out, in or both")
	graphPathCmd.Flags().IntVar(&graphDepth, "max-depth", 4, "maximum hops")
	graphRelateCmd.Flags().Float64Var(&graphDelta, "strength", 0.5, "strength to add")
}
