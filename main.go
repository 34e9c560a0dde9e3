package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"etaexport/internal/config"
	"etaexport/internal/export"
	"etaexport/internal/formatter"
	"etaexport/internal/i18n"
	"etaexport/internal/invoice"
	"etaexport/internal/logger"
	"etaexport/internal/scraper"
	"etaexport/internal/sites/eta"
)

var version = "dev"

var (
	cfgFile        string
	allPages       bool
	includeDetails bool
	mode           string
	outputFormat   string
	outputFile     string
	fields         []string
	lang           string
	showUI         bool
	proxyURL       string
	logLevel       string
)

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"mode":      "traversal.mode",
	"format":    "export.format",
	"lang":      "locale",
	"proxy":     "browser.proxy",
	"log-level": "log.level",
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "etaexport [URL]",
		Short:   "Export invoices from the ETA e-invoicing portal",
		Version: version,
		Long: `etaexport opens the Egyptian Tax Authority e-invoicing portal in a browser,
waits for you to log in, reads the documents listing (through the portal's own
API when it can, page by page otherwise) and exports the invoices to Excel,
JSON, CSV or Markdown.`,
		Example: `  # Export the visible page of the recent documents list to Excel
  etaexport

  # Export every page with line items, keeping the login in a browser profile
  etaexport --all --details -o invoices.xlsx

  # Export selected fields of every page as CSV, loading five pages at a time
  etaexport --all --mode fast --fields electronicNumber,issueDate,totalAmount -f csv

  # Keep a portal tab open and answer commands
  etaexport serve
  etaexport send getAllPagesData --details -o all.json`,
		Args:          cobra.MaximumNArgs(1),
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (default etaexport.yaml in the working or user config directory)")
	pf.StringVarP(&mode, "mode", "m", "", "Performance mode: conservative|safe, balanced|auto, aggressive|fast")
	pf.StringVarP(&outputFormat, "format", "f", "", "Output format (xlsx, json, csv, markdown)")
	pf.StringVarP(&lang, "lang", "L", "", "Message language (ar, en)")
	pf.BoolVar(&showUI, "showui", false, "Show the browser window (needed to log in unless a profile is reused)")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "Proxy URL (e.g. http://127.0.0.1:7890), defaults to ETAX_BROWSER_PROXY")
	pf.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.Flags().BoolVarP(&allPages, "all", "a", false, "Export every page instead of the visible one")
	rootCmd.Flags().BoolVarP(&includeDetails, "details", "d", false, "Load the line items of every invoice")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file, - for stdout (format inferred from the extension if -f is not given)")
	rootCmd.Flags().StringSliceVar(&fields, "fields", nil, "Comma-separated record fields to export (default all)")

	rootCmd.AddCommand(newServeCmd(), newSendCmd(), newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration with the flags set on cmd taking
// precedence, and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, func(v *viper.Viper) error {
		for name, key := range flagKeys {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.New(logger.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func run(cmd *cobra.Command, args []string) error {
	// If output file is specified but format is not, infer format from file extension
	if outputFile != "" && outputFile != "-" && !cmd.Flags().Changed("format") {
		if inferred := export.FormatFromPath(outputFile); inferred != "" {
			_ = cmd.Flags().Set("format", inferred)
		}
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	selected, err := parseFields(fields)
	if err != nil {
		return err
	}

	target := ""
	if len(args) == 1 {
		target = normalizeURL(args[0])
	}

	s, ok := scraper.Get(eta.Name)
	if !ok {
		return fmt.Errorf("unknown site: %s", eta.Name)
	}

	ctx, cancel := signalContext()
	defer cancel()

	content, err := s.Scrape(ctx, target, scraper.Options{
		Config:         cfg,
		AllPages:       allPages,
		IncludeDetails: includeDetails,
		Fields:         selected,
		ShowUI:         showUI,
		Progress:       logProgress,
	})
	if err != nil {
		return fmt.Errorf("failed to scrape: %w", err)
	}
	res := content.Result()
	if len(res.FailedPages) > 0 {
		log.Warn().Ints("pages", res.FailedPages).Msg("some pages could not be read")
	}

	data, err := formatter.Format(content, cfg.Export.Format)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	path := outputFile
	if path == "" {
		path = filepath.Join(cfg.Export.Dir, export.FileName(export.Payload{
			AllPages:    allPages,
			CurrentPage: res.CurrentPage,
		}, cfg.Export.Format))
	}
	return writeOutput(path, data, len(res.Invoices), cfg.Locale)
}

func writeOutput(path string, data []byte, count int, locale string) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	log.Info().Str("file", path).Msg(i18n.Message(locale, i18n.ExportDone, count, path))
	return nil
}

func logProgress(p invoice.Progress) {
	log.Info().
		Int("current", p.CurrentPage).
		Int("total", p.TotalPages).
		Float64("percent", p.Percentage).
		Msg(p.Message)
}

// parseFields validates field names against the record fields.
func parseFields(names []string) (map[string]bool, error) {
	known := make(map[string]bool, len(invoice.Fields))
	for _, f := range invoice.Fields {
		known[f.Name] = true
	}
	selected := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !known[n] {
			return nil, fmt.Errorf("unknown field: %s", n)
		}
		selected[n] = true
	}
	return selected, nil
}

// normalizeURL normalizes URL, adds https:// if no protocol prefix
func normalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return rawURL
	}
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "https://" + rawURL
	}
	return rawURL
}
