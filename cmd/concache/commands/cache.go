package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/observability"
	"github.com/Sumatoshi-tech/concache/pkg/query"
	"github.com/Sumatoshi-tech/concache/pkg/safeconv"
)

// Displayed entry states.
const (
	stateFinished = "finished"
	stateRunning  = "running"
	stateFailed   = "failed"
	stateStalled  = "stalled"
	stateUnknown  = "unknown"
)

// NewCacheCommand creates the cache administration command group.
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain concordance cache maps",
	}

	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCacheRemoveCommand())
	cmd.AddCommand(newCacheMarkCommand())
	cmd.AddCommand(newCacheGCCommand())

	return cmd
}

func newCacheListCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:           "ls <corpus>",
		Short:         "List cache entries of a corpus",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			defer rt.close(context.Background())

			lm, err := rt.listable(args[0])
			if err != nil {
				return err
			}

			entries, err := lm.Entries()
			if err != nil {
				return err
			}

			if entries == nil {
				entries = []conccache.Entry{}
			}

			sort.Slice(entries, func(i, j int) bool {
				return entries[i].Query.Key() < entries[j].Query.Key()
			})

			return writeEntries(cmd.OutOrStdout(), entries, format, rt.cfg.CalcBackend.TaskTimeLimit)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", FormatTable, "output format: table, json or yaml")

	return cmd
}

func newCacheRemoveCommand() *cobra.Command {
	var (
		subchash string
		full     bool
	)

	cmd := &cobra.Command{
		Use:   "rm <corpus> <op> [op...]",
		Short: "Remove the cache entry of a query",
		Long: `Remove the cache map record of a query and its cache file.
With --full every record sharing the first operation is removed.`,
		Args:          cobra.MinimumNArgs(2), //nolint:mnd // corpus plus at least one op.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			defer rt.close(context.Background())

			cm, err := rt.caches.Mapping(args[0])
			if err != nil {
				return err
			}

			q := query.Query(args[1:])

			if full {
				err = cm.DelFullEntry(subchash, q)
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed all entries of %s\n", q.Prefix(1))

				return err
			}

			path, ok, err := cm.CacheFilePath(subchash, q)
			if err != nil {
				return err
			}

			if !ok {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "no entry for %s\n", q)

				return err
			}

			err = cm.DelEntry(subchash, q)
			if err != nil {
				return err
			}

			err = os.Remove(path)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove cache file: %w", err)
			}

			if remover, ok := rt.archive.(archiveRemover); ok {
				err = remover.Remove(cmd.Context(), args[0], path)
				if err != nil {
					return err
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", q)

			return err
		},
	}

	cmd.Flags().StringVar(&subchash, "subchash", "", "subcorpus hash, empty for the whole corpus")
	cmd.Flags().BoolVar(&full, "full", false, "remove every entry sharing the first operation")

	return cmd
}

// archiveRemover is implemented by archives able to drop a stored copy.
type archiveRemover interface {
	Remove(ctx context.Context, corpname, localPath string) error
}

func newCacheMarkCommand() *cobra.Command {
	var (
		subchash string
		fields   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "mark <corpus> <op> [op...]",
		Short: "Patch the calculation status of a query",
		Long: `Patch status fields of a cache entry, e.g. to fail a stuck calculation:

  concache cache mark animals qthe --set error="killed by operator" --set finished=true`,
		Args:          cobra.MinimumNArgs(2), //nolint:mnd // corpus plus at least one op.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := conccache.ParsePatch(fields)
			if err != nil {
				return err
			}

			rt, err := loadRuntime(cmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			defer rt.close(context.Background())

			cm, err := rt.caches.Mapping(args[0])
			if err != nil {
				return err
			}

			q := query.Query(args[1:])

			err = cm.UpdateCalcStatus(subchash, q, patch)
			if err != nil {
				return err
			}

			status, err := cm.CalcStatus(subchash, q)
			if err != nil {
				return err
			}

			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(status)
		},
	}

	cmd.Flags().StringVar(&subchash, "subchash", "", "subcorpus hash, empty for the whole corpus")
	cmd.Flags().StringToStringVar(&fields, "set", nil, "status field to set as name=value")

	return cmd
}

func newCacheGCCommand() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "gc <corpus>",
		Short: "Remove failed, stalled, outdated and expired cache entries",
		Long: `Remove failed, stalled, outdated and expired cache entries together
with their files, then evict the oldest finished entries until the cache fits
cache.max_size.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			defer rt.close(context.Background())

			return runGC(cmd.Context(), rt, args[0], maxAge, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "override cache.max_age")

	return cmd
}

func runGC(ctx context.Context, rt *appRuntime, corpname string, maxAge time.Duration, out io.Writer) error {
	lm, err := rt.listable(corpname)
	if err != nil {
		return err
	}

	maxBytes, err := rt.cfg.Cache.MaxBytes()
	if err != nil {
		return err
	}

	if maxAge <= 0 {
		maxAge = rt.cfg.Cache.MaxAge
	}

	policy := conccache.GCPolicy{
		MaxAge:    maxAge,
		MaxBytes:  maxBytes,
		TimeLimit: rt.cfg.CalcBackend.TaskTimeLimit,
	}

	corp, err := rt.engine.OpenCorpus(corpname, "")
	if err == nil {
		policy.CorpusMTime, err = rt.engine.CorpusMTime(corp)
	}

	if err != nil {
		rt.logger.WarnContext(ctx, "corpus unavailable, outdated entries are kept", "corpus", corpname, "error", err)
	}

	report, err := conccache.Collect(lm, policy, time.Now())
	if err != nil {
		return err
	}

	for reason, n := range report.ByReason {
		for range n {
			rt.metrics.RecordEviction(ctx, reason)
		}
	}

	_, err = fmt.Fprintf(out, "examined %d, removed %d, freed %s\n",
		report.Examined, report.Removed, humanize.Bytes(safeconv.Int64ToUint64(report.FreedBytes)))
	if err != nil {
		return err
	}

	reasons := make([]string, 0, len(report.ByReason))
	for reason := range report.ByReason {
		reasons = append(reasons, reason)
	}

	sort.Strings(reasons)

	for _, reason := range reasons {
		_, err = fmt.Fprintf(out, "  %s: %d\n", reason, report.ByReason[reason])
		if err != nil {
			return err
		}
	}

	return nil
}

func writeEntries(out io.Writer, entries []conccache.Entry, format string, timeLimit time.Duration) error {
	switch format {
	case FormatTable:
		tbl := table.NewWriter()
		tbl.SetOutputMirror(out)
		tbl.SetStyle(table.StyleLight)
		tbl.AppendHeader(table.Row{"Query", "Subc", "State", "Size", "File", "Updated"})

		for _, e := range entries {
			tbl.AppendRow(table.Row{
				strings.Join(e.Query, " | "),
				shortHash(e.SubcHash),
				colorState(entryState(e.Status, timeLimit)),
				humanize.Comma(int64(e.Size)),
				humanize.Bytes(safeconv.Int64ToUint64(fileSize(e.Path))),
				updatedAt(e.Status),
			})
		}

		tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d entries", len(entries))})
		tbl.Render()

		return nil
	case FormatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	case FormatYAML:
		return yaml.NewEncoder(out).Encode(entries)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func entryState(s *conccache.CalcStatus, timeLimit time.Duration) string {
	switch {
	case s == nil:
		return stateUnknown
	case s.Failed():
		return stateFailed
	case s.TestError(timeLimit) != nil:
		return stateStalled
	case s.Finished:
		return stateFinished
	default:
		return stateRunning
	}
}

func colorState(state string) string {
	switch state {
	case stateFinished:
		return color.GreenString(state)
	case stateRunning:
		return color.CyanString(state)
	case stateFailed, stateStalled:
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}

func updatedAt(s *conccache.CalcStatus) string {
	if s == nil || s.LastUpd == 0 {
		return "-"
	}

	return humanize.Time(time.Unix(s.LastUpd, 0))
}

func shortHash(h string) string {
	const shown = 8

	if h == "" {
		return "-"
	}

	if len(h) > shown {
		return h[:shown]
	}

	return h
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}
