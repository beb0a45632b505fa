package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/vosbek/memoryme/memory"
)

var (
	ingestType    string
	ingestTags    []string
	ingestMaxSize int64

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Report store sizes and index state",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			h, err := eng.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		}),
	}

	repairCmd = &cobra.Command{
		Use:   "repair",
		Short: "Reconcile the vector index and the graph with the records",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rep, err := eng.Repair(ctx)
			if err != nil {
				return err
			}
			if err := eng.Drain(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		}),
	}

	exportCmd = &cobra.Command{
		Use:   "export <file>",
		Short: "Write a compressed snapshot of every record and embedding",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			stats, err := eng.Export(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	}

	importCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Load a snapshot written by export",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			stats, err := eng.Import(cmd.Context(), f)
			if err != nil {
				return err
			}
			if err := eng.Drain(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest <pattern>...",
		Short: "Store every file matching the glob patterns as a record",
		Long:  longIngest,
		Args:  cobra.MinimumNArgs(1),
		RunE: withEngine(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := memory.Logger("ingest")
			var created []string
			for _, pattern := range args {
				matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
				if err != nil {
					return fmt.Errorf("pattern %q: %w", pattern, err)
				}
				for _, path := range matches {
					rec, ok, err := fileRecord(path)
					if err != nil {
						return err
					}
					if !ok {
						log.Debug("skipping", "path", path)
						continue
					}
					rec, err = eng.Create(ctx, rec)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					log.Info("ingested", "path", path, "id", rec.ID)
					created = append(created, rec.ID)
				}
			}
			if err := eng.Drain(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		}),
	}
)

func init() {
	rootCmd.AddCommand(healthCmd, repairCmd, exportCmd, importCmd, ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestType, "type", "t", "", "record type for every file (default by extension)")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tag", nil, "tag added to every record (repeatable)")
	ingestCmd.Flags().Int64Var(&ingestMaxSize, "max-size", 1<<20, "skip files larger than this many bytes")
}

// fileRecord reads path into a record. Empty and oversized files are skipped.
func fileRecord(path string) (memory.Record, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return memory.Record{}, false, err
	}
	if info.Size() == 0 || info.Size() > ingestMaxSize {
		return memory.Record{}, false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return memory.Record{}, false, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return memory.Record{}, false, nil
	}

	rt := typeForPath(path)
	if ingestType != "" {
		if rt, err = memory.ParseRecordType(ingestType); err != nil {
			return memory.Record{}, false, err
		}
	}
	return memory.Record{
		Type:     rt,
		Title:    filepath.Base(path),
		Content:  string(b),
		Tags:     ingestTags,
		Metadata: memory.Metadata{"path": memory.StringValue(path)},
	}, true, nil
}

func typeForPath(path string) memory.RecordType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".js", ".ts", ".rs", ".java", ".c", ".h", ".cpp", ".rb", ".sql":
		return memory.TypeCodeSnippet
	case ".sh", ".bash", ".zsh":
		return memory.TypeCommand
	case ".md", ".rst", ".adoc":
		return memory.TypeDocumentation
	default:
		return memory.TypeNote
	}
}

var longIngest = `
Store files as records. Patterns support ** for any number of directories.
The record title is the file name and the path is kept in metadata.

Examples:
  memoryme ingest 'docs/**/*.md'
  memoryme ingest --tag runbook --type command 'ops/*.sh'
`
