package main

import (
	"github.com/spf13/cobra"

	"github.com/vosbek/memoryme/engine"
)

var (
	queryMode      string
	queryLimit     int
	queryOffset    int
	queryThreshold float64
	queryWeights   []float64

	queryCmd = &cobra.Command{
		Use:   "query <text>",
		Short: "Search records by text, similarity and the entity graph",
		Long:  longQuery,
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			mode, err := engine.ParseMode(queryMode)
			if err != nil {
				return err
			}
			opts := engine.QueryOptions{
				Mode:      mode,
				Limit:     queryLimit,
				Offset:    queryOffset,
				Threshold: queryThreshold,
			}
			if len(queryWeights) == 3 {
				opts.Weights = &engine.Weights{Vector: queryWeights[0], Text: queryWeights[1], Graph: queryWeights[2]}
			}
			res, err := eng.Query(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}
)

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringVarP(&queryMode, "mode", "m", "auto", "auto, hybrid, vector, text or graph")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "maximum results (default from config)")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "results to skip")
	queryCmd.Flags().Float64Var(&queryThreshold, "threshold", 0, "minimum score; 0 keeps everything")
	queryCmd.Flags().Float64SliceVar(&queryWeights, "weights", nil, "vector,text,graph channel weights")
}

var longQuery = `
Search records. Hybrid mode runs full-text, vector and graph retrieval in
parallel and ranks records found by more than one channel higher. Auto
mode picks hybrid for short keyword queries and vector search for longer
natural language questions.

Examples:
  memoryme query "redis session cache"
  memoryme query --mode text --limit 5 deploy
  memoryme query --weights 0.2,0.6,0.2 "kafka consumer lag"
`
