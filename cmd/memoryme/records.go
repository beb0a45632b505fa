package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vosbek/memoryme/memory"
)

var (
	recType     string
	recTitle    string
	recTags     []string
	recMetadata string
	recLimit    int
	recOffset   int

	addCmd = &cobra.Command{
		Use:   "add [content]",
		Short: "Store a record; content is read from stdin when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			content, err := contentArg(cmd, args)
			if err != nil {
				return err
			}
			rt, err := memory.ParseRecordType(recType)
			if err != nil {
				return err
			}
			meta, err := parseMetadata(recMetadata)
			if err != nil {
				return err
			}
			rec, err := eng.Create(cmd.Context(), memory.Record{
				Type:     rt,
				Title:    recTitle,
				Content:  content,
				Tags:     recTags,
				Metadata: meta,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		}),
	}

	getCmd = &cobra.Command{
		Use:   "get <id>",
		Short: "Print a record and the entities derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			rec, err := eng.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ents, err := eng.RecordEntities(cmd.Context(), rec.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				memory.Record
				Entities []memory.Entity `json:"entities"`
			}{rec, ents})
		}),
	}

	updateCmd = &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a record",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			patch, err := patchFromFlags(cmd)
			if err != nil {
				return err
			}
			rec, err := eng.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		}),
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete records",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			out := make(map[string]bool, len(args))
			for _, id := range args {
				ok, err := eng.Delete(cmd.Context(), id)
				if err != nil {
					return err
				}
				out[id] = ok
			}
			return printJSON(cmd.OutOrStdout(), out)
		}),
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent records, or filter by --tag or --type",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				recs []memory.Record
				err  error
			)
			switch {
			case len(recTags) > 0:
				recs, err = eng.FindByTags(ctx, recTags, recLimit, recOffset)
			case recType != "":
				var rt memory.RecordType
				if rt, err = memory.ParseRecordType(recType); err == nil {
					recs, err = eng.FindByType(ctx, rt, recLimit, recOffset)
				}
			default:
				recs, err = eng.ListRecent(ctx, recLimit)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		}),
	}
)

func init() {
	rootCmd.AddCommand(addCmd, getCmd, updateCmd, deleteCmd, listCmd)

	for _, c := range []*cobra.Command{addCmd, updateCmd} {
		c.Flags().StringVarP(&recType, "type", "t", "", "record type, e.g. decision or code_snippet")
		c.Flags().StringVar(&recTitle, "title", "", "record title")
		c.Flags().StringSliceVar(&recTags, "tag", nil, "tag (repeatable)")
		c.Flags().StringVar(&recMetadata, "metadata", "", `metadata as a JSON object, e.g. '{"lang":"go"}'`)
	}
	updateCmd.Flags().String("content", "", "new content; '-' reads stdin")

	listCmd.Flags().StringVarP(&recType, "type", "t", "", "only records of this type")
	listCmd.Flags().StringSliceVar(&recTags, "tag", nil, "only records carrying every tag")
	listCmd.Flags().IntVarP(&recLimit, "limit", "n", 20, "maximum records")
	listCmd.Flags().IntVar(&recOffset, "offset", 0, "records to skip")
}

func contentArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// parseMetadata accepts a flat JSON object of strings, numbers, booleans
// and nulls.
func parseMetadata(s string) (memory.Metadata, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, memory.Invalid("metadata", "not a JSON object: %v", err)
	}
	m := make(memory.Metadata, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
			m[k] = memory.NullValue()
		case string:
			m[k] = memory.StringValue(v)
		case bool:
			m[k] = memory.BoolValue(v)
		case json.Number:
			if i, err := v.Int64(); err == nil {
				m[k] = memory.IntValue(i)
			} else if f, err := v.Float64(); err == nil {
				m[k] = memory.FloatValue(f)
			} else {
				return nil, memory.Invalid("metadata", "%s: bad number %s", k, v)
			}
		default:
			return nil, memory.Invalid("metadata", "%s: nested values are not supported", k)
		}
	}
	return m, nil
}

func patchFromFlags(cmd *cobra.Command) (memory.RecordPatch, error) {
	var patch memory.RecordPatch
	flags := cmd.Flags()
	if flags.Changed("type") {
		rt, err := memory.ParseRecordType(recType)
		if err != nil {
			return patch, err
		}
		patch.Type = &rt
	}
	if flags.Changed("title") {
		patch.Title = &recTitle
	}
	if flags.Changed("tag") {
		patch.Tags = &recTags
	}
	if flags.Changed("metadata") {
		m, err := parseMetadata(recMetadata)
		if err != nil {
			return patch, err
		}
		patch.Metadata = &m
	}
	if flags.Changed("content") {
		content, _ := flags.GetString("content")
		if content == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return patch, fmt.Errorf("read stdin: %w", err)
			}
			content = string(b)
		}
		patch.Content = &content
	}
	if patch.Empty() {
		return patch, memory.Invalid("patch", "nothing to update")
	}
	return patch, nil
}
