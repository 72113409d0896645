// sensorcache is the command line client for sensorcached.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/sensorcache/internal/client"
	"github.com/xtxerr/sensorcache/internal/storage/types"
	"github.com/xtxerr/sensorcache/internal/wire"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sensorcache",
		Short:         "Client for the sensorcache daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("url", envOr("SENSORCACHE_URL", client.DefaultConfig().URL), "websocket URL (env SENSORCACHE_URL)")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newSubscribeCommand(),
		newQueryCommand(),
		newLatestCommand(),
		newStatsCommand(),
		newFieldsCommand(),
		newPublishCommand(),
		newShellCommand(),
	)
	return root
}

// newClient builds a client from the persistent flags.
func newClient(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(client.Config{
		URL:            url,
		ConnectTimeout: timeout,
		RequestTimeout: timeout,
	})
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}

// =============================================================================
// Subscribe
// =============================================================================

func newSubscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe FIELD[@SECONDS|#RECORDS]...",
		Short: "Stream a set of fields",
		Long: `Subscribe to fields and print every data message as a JSON line.

FIELD@30 requests the last 30 seconds of history, FIELD#10 the last 10
samples. A bare FIELD requests the server default.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFieldSpecs(args)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetFloat64("interval")
			count, _ := cmd.Flags().GetInt("count")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newClient(cmd)
			defer c.Close()
			if err := c.Connect(ctx); err != nil {
				return err
			}

			data, err := c.Subscribe(ctx, interval, fields)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printJSON(out, data); err != nil {
				return err
			}

			for n := 0; count <= 0 || n < count; n++ {
				if err := c.Ready(); err != nil {
					return err
				}
				data, err := c.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := printJSON(out, data); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64("interval", 0, "server poll interval in seconds (0 for server default)")
	cmd.Flags().Int("count", 0, "stop after this many updates (0 streams until interrupted)")
	return cmd
}

// parseFieldSpecs parses FIELD, FIELD@SECONDS and FIELD#RECORDS arguments.
func parseFieldSpecs(args []string) (map[string]wire.FieldSpec, error) {
	fields := make(map[string]wire.FieldSpec, len(args))
	for _, arg := range args {
		if name, secs, ok := strings.Cut(arg, "@"); ok {
			s, err := strconv.ParseFloat(secs, 64)
			if err != nil {
				return nil, fmt.Errorf("field %q: invalid seconds %q", name, secs)
			}
			fields[name] = wire.Seconds(s)
			continue
		}
		if name, recs, ok := strings.Cut(arg, "#"); ok {
			n, err := strconv.Atoi(recs)
			if err != nil {
				return nil, fmt.Errorf("field %q: invalid record count %q", name, recs)
			}
			fields[name] = wire.BackRecords(n)
			continue
		}
		fields[arg] = wire.FieldSpec{}
	}
	return fields, nil
}

// =============================================================================
// One-shot Queries
// =============================================================================

func newQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query FIELD...",
		Short: "Read time-aligned rows for a window",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetFloat64("start")
			end, _ := cmd.Flags().GetFloat64("end")
			if last, _ := cmd.Flags().GetDuration("last"); last > 0 {
				now := float64(time.Now().UnixNano()) / 1e9
				start, end = now-last.Seconds(), 0
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			rows, err := newClient(cmd).Query(ctx, args, start, end)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := printJSON(cmd.OutOrStdout(), row); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64("start", 0, "window start (epoch seconds)")
	cmd.Flags().Float64("end", 0, "window end (epoch seconds, 0 for open)")
	cmd.Flags().Duration("last", 0, "window covering this duration up to now (overrides start/end)")
	return cmd
}

func newLatestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "latest FIELD...",
		Short: "Print the newest sample of each field",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			latest, err := newClient(cmd).Latest(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), latest)
		},
	}
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats FIELD",
		Short: "Summarize the recent numeric history of a field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, _ := cmd.Flags().GetFloat64("seconds")

			ctx, cancel := requestContext(cmd)
			defer cancel()

			sum, err := newClient(cmd).Stats(ctx, args[0], seconds)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().Float64("seconds", 60, "history window in seconds")
	return cmd
}

func newFieldsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List known field names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			c := newClient(cmd)
			defer c.Close()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			names, err := c.Fields(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// =============================================================================
// Publish
// =============================================================================

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish FIELD=VALUE...",
		Short: "Publish samples",
		Long: `Publish one sample per FIELD=VALUE argument, stamped with --time (default
now). With --file the batch is read as JSON {field: [[ts, value], ...]}
from the named file, or stdin for "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			ts, _ := cmd.Flags().GetFloat64("time")
			if ts == 0 {
				ts = float64(time.Now().UnixNano()) / 1e9
			}

			var batch types.Batch
			var skipped int
			var err error
			if file != "" {
				batch, skipped, err = readBatchFile(cmd.InOrStdin(), file)
			} else {
				batch, err = parseAssignments(args, ts)
			}
			if err != nil {
				return err
			}
			if batch.Len() == 0 {
				return fmt.Errorf("nothing to publish")
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			res, err := newClient(cmd).PublishHTTP(ctx, batch)
			if err != nil {
				return err
			}
			res.Skipped += skipped
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("file", "", "read a JSON batch from this file (- for stdin)")
	cmd.Flags().Float64("time", 0, "sample timestamp in epoch seconds (default now)")
	return cmd
}

func parseAssignments(args []string, ts float64) (types.Batch, error) {
	batch := make(types.Batch, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid sample %q: want FIELD=VALUE", arg)
		}
		batch.Add(name, types.NewSample(ts, types.ParseValue(raw)))
	}
	return batch, nil
}

func readBatchFile(stdin io.Reader, path string) (types.Batch, int, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read batch: %w", err)
	}
	return wire.ParseBatch(data)
}

// =============================================================================
// Helpers
// =============================================================================

func printJSON(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
