package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
	"github.com/Sumatoshi-tech/concache/pkg/conclib"
	"github.com/Sumatoshi-tech/concache/pkg/config"
	"github.com/Sumatoshi-tech/concache/pkg/observability"
	"github.com/Sumatoshi-tech/concache/pkg/query"
)

// Output formats.
const (
	FormatText  = "text"
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ErrUnknownFormat is returned for unsupported --format values.
var ErrUnknownFormat = errors.New("unknown output format")

// ConcResult is the machine-readable summary of a concordance.
type ConcResult struct {
	Corpus      string      `json:"corpus" yaml:"corpus"`
	Subcorpus   string      `json:"subcorpus,omitempty" yaml:"subcorpus,omitempty"`
	Query       query.Query `json:"query" yaml:"query"`
	Size        int         `json:"size" yaml:"size"`
	FullSize    int         `json:"fullsize" yaml:"fullsize"`
	RelSize     float64     `json:"relsize" yaml:"relsize"`
	Finished    bool        `json:"finished" yaml:"finished"`
	ElapsedSecs float64     `json:"elapsed_secs" yaml:"elapsed_secs"`
}

type concOptions struct {
	subc       string
	format     string
	opts       conclib.GetOptions
	background bool
	sizes      bool
}

// NewConcCommand creates the command evaluating a query through the cache.
func NewConcCommand() *cobra.Command {
	var co concOptions

	cmd := &cobra.Command{
		Use:   "conc <corpus> <op> [op...]",
		Short: "Get a concordance, reusing cached prefixes",
		Long: `Evaluate a query given as encoded operations, e.g.

  concache conc animals 'qthe' 'p1 cat' r2

The longest usable cached prefix is loaded and the remaining operations are
applied. With --async a single-operation query is handed to a calculation
task and the command returns once enough rows exist. With --sizes nothing is
computed: the figures of the cached entry are printed, which lets a caller
follow a calculation running elsewhere.`,
		Args:          cobra.MinimumNArgs(2), //nolint:mnd // corpus plus at least one op.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			defer rt.close(context.Background())

			if cmd.Flags().Changed("background") {
				co.opts.Background = co.background
			} else {
				co.opts.Background = rt.cfg.CalcBackend.BackgroundSync
			}

			if co.sizes {
				return runConcSizes(cmd.Context(), rt, args[0], query.Query(args[1:]), co, cmd.OutOrStdout())
			}

			return runConc(cmd.Context(), rt, args[0], query.Query(args[1:]), co, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&co.subc, "subc", "", "subcorpus name")
	flags.StringVarP(&co.format, "format", "f", FormatText, "output format: text, json or yaml")
	flags.BoolVar(&co.opts.Async, "async", false, "compute the first operation in a background task")
	flags.BoolVar(&co.opts.Save, "save", true, "store results computed in-process")
	flags.BoolVar(&co.background, "background", false, "compute every operation in the sync worker")
	flags.IntVar(&co.opts.FromPage, "from-page", 1, "first page the caller needs")
	flags.IntVar(&co.opts.PageSize, "page-size", 40, "rows per page") //nolint:mnd // UI default.
	flags.IntVar(&co.opts.SampleSize, "sample", 0, "sample size for random queries")
	flags.BoolVar(&co.sizes, "sizes", false, "print the sizes of the cached entry without computing")

	return cmd
}

func runConc(ctx context.Context, rt *appRuntime, corpname string, q query.Query, co concOptions, out io.Writer) error {
	tasks, closeTasks, err := taskClient(rt)
	if err != nil {
		return err
	}

	defer closeTasks()

	corp, err := rt.engine.OpenCorpus(corpname, co.subc)
	if err != nil {
		return err
	}

	start := time.Now()

	conc, err := conclib.NewController(rt.deps(tasks)).GetConc(ctx, corp, q, co.opts)
	if err != nil {
		return err
	}

	res := ConcResult{
		Corpus:      corpname,
		Subcorpus:   co.subc,
		Query:       q,
		Size:        conc.Size(),
		FullSize:    conc.FullSize(),
		RelSize:     conc.RelSize(),
		Finished:    conc.Finished(),
		ElapsedSecs: time.Since(start).Seconds(),
	}

	return writeConcResult(out, res, co.format)
}

func runConcSizes(
	ctx context.Context, rt *appRuntime, corpname string, q query.Query, co concOptions, out io.Writer,
) error {
	corp, err := rt.engine.OpenCorpus(corpname, co.subc)
	if err != nil {
		return err
	}

	start := time.Now()

	sizes, err := conclib.NewController(rt.deps(nil)).CachedConcSizes(ctx, corp, q)
	if err != nil {
		return err
	}

	return writeConcResult(out, ConcResult{
		Corpus:      corpname,
		Subcorpus:   co.subc,
		Query:       q,
		Size:        sizes.ConcSize,
		FullSize:    sizes.FullSize,
		RelSize:     sizes.RelConcSize,
		Finished:    sizes.Finished,
		ElapsedSecs: time.Since(start).Seconds(),
	}, co.format)
}

// taskClient returns the configured task client. A local app is closed by
// the returned func once running tasks finish.
func taskClient(rt *appRuntime) (bgcalc.Client, func(), error) {
	if rt.cfg.CalcBackend.Type == config.CalcHTTP {
		client, err := bgcalc.NewHTTPClient(bgcalc.HTTPConfig{
			BaseURL:           rt.cfg.CalcBackend.URL,
			Timeout:           rt.cfg.CalcBackend.HTTPTimeout,
			ResultWaitMaxTime: rt.cfg.CalcBackend.ResultWaitMaxTime,
			Logger:            rt.logger,
		})
		if err != nil {
			return nil, nil, err
		}

		return client, func() {}, nil
	}

	app, err := rt.localApp()
	if err != nil {
		return nil, nil, err
	}

	return app, func() {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.CalcBackend.TaskTimeLimit)
		defer cancel()

		drain(ctx, app, rt.cfg.Wait.Step)

		closeErr := app.Close(ctx)
		if closeErr != nil {
			rt.logger.Warn("background tasks did not finish", "error", closeErr)
		}
	}, nil
}

// drain waits for dispatched tasks so an async calculation still completes
// its cache entry before the process exits.
func drain(ctx context.Context, app *bgcalc.LocalApp, step time.Duration) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for app.Running() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeConcResult(out io.Writer, res ConcResult, format string) error {
	switch format {
	case FormatText:
		state := "finished"
		if !res.Finished {
			state = "partial"
		}

		_, err := fmt.Fprintf(out, "%s %s: %d hits (full %d, %.2f i.p.m.), %s in %.3fs\n",
			res.Corpus, strings.Join(res.Query, " | "), res.Size, res.FullSize, res.RelSize, state, res.ElapsedSecs)

		return err
	case FormatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(res)
	case FormatYAML:
		return yaml.NewEncoder(out).Encode(res)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
