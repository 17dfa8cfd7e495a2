package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"spotwatch/internal/alerts"
	"spotwatch/internal/config"
	"spotwatch/internal/elastic"
	"spotwatch/internal/logger"
	"spotwatch/internal/models"
)

type checkOptions struct {
	rule     string
	interval time.Duration
	now      string
	json     bool
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the latest-processed aggregation against Elasticsearch and print the verdict",
		Long: `check queries the configured index for the latest processed time per
history host, evaluates the rule once and prints "true" when any host is stale.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the verdict
			logger.InitWithOptions(cfg.Log.Level, logger.Options{Writer: os.Stderr})

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Elastic.Timeout+5*time.Second)
			defer cancel()
			return runCheck(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.rule, "rule", "", "rule name (default: first configured rule)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "override the rule interval, e.g. 6h")
	cmd.Flags().StringVar(&opts.now, "now", "", "evaluate as of this RFC3339 time instead of the wall clock")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the full result as JSON")
	return cmd
}

func runCheck(ctx context.Context, cfg *config.Config, opts checkOptions, out io.Writer) error {
	rules, err := alerts.NewRuleSet(cfg.Rules)
	if err != nil {
		return err
	}
	rule, err := rules.Lookup(opts.rule)
	if err != nil {
		return err
	}
	if opts.interval != 0 {
		rule.Interval = opts.interval
	}

	clock := time.Now
	if opts.now != "" {
		now, err := time.Parse(time.RFC3339, opts.now)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
		clock = func() time.Time { return now }
	}

	client, err := elastic.New(cfg.Elastic)
	if err != nil {
		return err
	}

	res, err := client.LatestProcessed(ctx, rule.Aggregation, rule.Field)
	if err != nil {
		return err
	}

	engine := alerts.NewEngine(alerts.WithClock(clock))
	outcome, err := engine.EvaluateWatch(ctx, rule, &models.WatchContext{Results: []models.SearchResult{*res}})
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(alerts.NewResult("", rule.Name, outcome, nil))
	}
	_, err = fmt.Fprintln(out, outcome.Stale)
	return err
}
