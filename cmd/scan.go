package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
	"github.com/xkilldash9x/pdpwatch/internal/observability"
	"github.com/xkilldash9x/pdpwatch/internal/server"
)

// scanFlags are the one-shot scan overrides.
type scanFlags struct {
	shopID   string
	pageID   string
	title    string
	mode     string
	ai       bool
	headless bool
	jsonOut  bool
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd(opts *rootOptions) *cobra.Command {
	f := &scanFlags{}
	scanCmd := &cobra.Command{
		Use:   "scan <product-url>",
		Short: "Scans one product page and prints its health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			job, err := buildScanJob(args[0], f)
			if err != nil {
				return err
			}
			if err := applyScanFlagOverrides(cmd, opts.cfg, f); err != nil {
				return err
			}
			if job.Mode == "" {
				job.Mode = schemas.ScanMode(opts.cfg.Scan().Mode)
			}

			c, err := initializeComponents(ctx, opts.cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize scan components: %w", err)
			}
			defer c.Shutdown(ctx)

			logger.Info("Starting product page scan.",
				zap.String("scan_id", job.ScanID),
				zap.String("page_id", job.Page.ID),
				zap.String("url", job.Page.URL),
				zap.String("mode", string(job.Mode)),
			)
			res, err := c.Pipeline.Run(ctx, job, nil)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Scan aborted.", zap.String("scan_id", job.ScanID))
				}
				return err
			}

			if f.jsonOut {
				return writeJSONReport(cmd.OutOrStdout(), struct {
					Scan         schemas.Scan    `json:"scan"`
					ActiveIssues []schemas.Issue `json:"active_issues"`
					Alerts       int             `json:"alerts_sent"`
					Rescan       bool            `json:"rescan_scheduled"`
				}{res.Scan, res.ActiveIssues, len(res.Alerts), res.RescanScheduled})
			}
			printScanSummary(cmd.OutOrStdout(), res)
			return nil
		},
	}

	scanCmd.Flags().StringVar(&f.shopID, "shop", "", "shop identifier the page belongs to (required)")
	scanCmd.Flags().StringVar(&f.pageID, "page-id", "", "stable page identifier (default derived from shop and url)")
	scanCmd.Flags().StringVar(&f.title, "title", "", "product title, for reports")
	scanCmd.Flags().StringVarP(&f.mode, "mode", "m", "", "scan mode: quick or deep (overrides config)")
	scanCmd.Flags().BoolVar(&f.ai, "ai", false, "enable AI confirmation (overrides config)")
	scanCmd.Flags().BoolVar(&f.headless, "headless", true, "run the local browser headless (overrides config)")
	scanCmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the result as JSON")
	_ = scanCmd.MarkFlagRequired("shop")
	return scanCmd
}

// buildScanJob validates the target and derives the job identity.
func buildScanJob(rawURL string, f *scanFlags) (schemas.ScanJob, error) {
	target := strings.TrimSpace(rawURL)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return schemas.ScanJob{}, fmt.Errorf("invalid product url %q", rawURL)
	}
	if strings.TrimSpace(f.shopID) == "" {
		return schemas.ScanJob{}, errors.New("--shop is required")
	}

	mode := schemas.ScanMode(strings.ToLower(f.mode))
	switch mode {
	case "", schemas.ScanQuick, schemas.ScanDeep:
	default:
		return schemas.ScanJob{}, fmt.Errorf("invalid --mode %q: must be quick or deep", f.mode)
	}

	pageID := f.pageID
	if pageID == "" {
		pageID = server.PageIDFor(f.shopID, u.String())
	}
	return schemas.ScanJob{
		ScanID:      uuid.NewString(),
		Page:        schemas.ProductPage{ID: pageID, ShopID: f.shopID, URL: u.String(), Title: f.title},
		Mode:        mode,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// applyScanFlagOverrides copies explicitly set flags onto the loaded config.
func applyScanFlagOverrides(cmd *cobra.Command, cfg config.Interface, f *scanFlags) error {
	if cmd.Flags().Changed("mode") {
		cfg.SetScanMode(strings.ToLower(f.mode))
	}
	if cmd.Flags().Changed("ai") {
		cfg.SetAIEnabled(f.ai)
	}
	if cmd.Flags().Changed("headless") {
		cfg.SetBrowserHeadless(f.headless)
	}
	if c, ok := cfg.(*config.Config); ok {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid configuration after flag overrides: %w", err)
		}
	}
	return nil
}
