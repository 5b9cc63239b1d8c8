package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"xhssign/internal/browser"
	"xhssign/internal/stealth"
)

func init() {
	rootCmd.AddCommand(fetchStealthCmd)
	rootCmd.AddCommand(installBrowsersCmd)
}

var fetchStealthCmd = &cobra.Command{
	Use:   "fetch-stealth",
	Short: "Download the anti-fingerprint script",
	Long: `Downloads stealth.min.js from the configured mirrors into stealth.path
so the server can start without network access to the mirrors. An existing
file is left untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		path, ok := stealth.NewFetcher(cfg.Stealth, nil, logger, nil).Obtain(cmd.Context())
		if !ok {
			return fmt.Errorf("no mirror produced a usable script; place it at %s manually", cfg.Stealth.Path)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var installBrowsersCmd = &cobra.Command{
	Use:   "install-browsers",
	Short: "Install the Playwright driver and Chromium",
	Long:  "Only needed with browser.driver: playwright. The chromedp driver uses the system Chrome.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return browser.InstallPlaywright()
	},
}
