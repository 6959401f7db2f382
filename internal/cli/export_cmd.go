// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-live/internal/export"
)

type exportOptions struct {
	consumerOptions
	format   string
	output   string
	dir      string
	noMeta   bool
	noTimes  bool
	pageSize int
}

func newExportCommand(g *globalFlags) *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the conversation log to a file",
		Example: "  rigrun-live export\n" +
			"  rigrun-live export --format json --output log.json\n" +
			"  rigrun-live export --output - | less",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, g, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "", "server URL (overrides client.server_url)")
	f.StringVarP(&opts.format, "format", "f", "markdown", "output format: markdown or json")
	f.StringVarP(&opts.output, "output", "o", "", "output file, or - for stdout (default: generated name in --dir)")
	f.StringVar(&opts.dir, "dir", ".", "directory for generated file names")
	f.BoolVar(&opts.noMeta, "no-metadata", false, "omit the front matter header and statistics")
	f.BoolVar(&opts.noTimes, "no-timestamps", false, "omit per-entry timestamps")
	f.IntVar(&opts.pageSize, "page-size", export.DefaultPageSize, "entries fetched per request")
	return cmd
}

func runExport(cmd *cobra.Command, g *globalFlags, o exportOptions) error {
	exp, err := export.ForFormat(o.format, &export.Options{
		IncludeMetadata:   !o.noMeta,
		IncludeTimestamps: !o.noTimes,
	})
	if err != nil {
		return err
	}

	o.noWatch = true
	c, err := newConsumer(g, o.consumerOptions)
	if err != nil {
		return err
	}
	defer c.logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := export.Collect(ctx, c.client, o.pageSize)
	if err != nil {
		return err
	}
	log.Source = c.client.BaseURL()

	if o.output != "" {
		if err := export.WriteTo(log, exp, o.output); err != nil {
			return err
		}
		if o.output != "-" {
			fmt.Fprintln(cmd.ErrOrStderr(), successStyle.Render("Exported")+fmt.Sprintf(" %d entries to %s", len(log.Entries), o.output))
		}
		return nil
	}
	path, err := export.WriteFile(log, exp, o.dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), successStyle.Render("Exported")+fmt.Sprintf(" %d entries to %s", len(log.Entries), path))
	return nil
}
