package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/browser/static"
	"github.com/use-agent/portalscrape/config"
	"github.com/use-agent/portalscrape/engine"
	"github.com/use-agent/portalscrape/enrich"
	"github.com/use-agent/portalscrape/guard"
	"github.com/use-agent/portalscrape/models"
)

var version = "dev"

type extractFlags struct {
	limit    int
	format   string
	replay   string
	baseURL  string
	headful  bool
	timeout  time.Duration
	noUpload bool
	verbose  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:     "portalctl",
		Short:   "Run portal extractions from the command line",
		Version: version,
		Long: `portalctl runs one extraction in-process, without the HTTP server.
Portal credentials and browser settings come from the same PORTAL_*
environment variables the server reads.`,
		SilenceUsage: true,
	}
	root.AddCommand(newExtractCmd(out), newSourcesCmd(out))
	return root
}

func newSourcesCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the extractable sources",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, s := range models.Sources {
				fmt.Fprintln(out, s)
			}
		},
	}
}

func newExtractCmd(out io.Writer) *cobra.Command {
	f := &extractFlags{}
	cmd := &cobra.Command{
		Use:   "extract <call_history|voicemail|chat_sms>",
		Short: "Extract records from one portal listing",
		Example: `  # Stream the five most recent calls as NDJSON frames
  portalctl extract call_history --limit 5

  # Aggregate voicemails into one JSON document
  portalctl extract voicemail -f json

  # Replay saved portal pages instead of launching a browser
  portalctl extract chat_sms --replay ./testdata/portal --base-url http://portal.test`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd.Context(), out, args[0], f)
		},
	}

	cmd.Flags().IntVarP(&f.limit, "limit", "n", -1, "Maximum records to emit (default from PORTAL_DEFAULT_LIMIT)")
	cmd.Flags().StringVarP(&f.format, "format", "f", models.FormatNDJSON, "Output format (ndjson, json)")
	cmd.Flags().StringVar(&f.replay, "replay", "", "Directory of saved .html portal pages to use instead of a browser")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "Portal base URL (overrides PORTAL_BASE_URL)")
	cmd.Flags().BoolVar(&f.headful, "headful", false, "Show the browser window")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 10*time.Minute, "Overall extraction timeout")
	cmd.Flags().BoolVar(&f.noUpload, "no-upload", false, "Skip audio download and upload")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log progress to stderr")
	return cmd
}

func runExtract(ctx context.Context, out io.Writer, name string, f *extractFlags) error {
	source, err := models.ParseSource(name)
	if err != nil {
		return err
	}
	if f.format != models.FormatNDJSON && f.format != models.FormatJSON {
		return fmt.Errorf("unsupported format %q (want ndjson or json)", f.format)
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Load()
	if f.baseURL != "" {
		cfg.Portal.BaseURL = f.baseURL
	}
	if f.headful {
		cfg.Browser.Headless = false
	}
	limit := f.limit
	if limit < 0 {
		limit = cfg.Extract.DefaultLimit
	}

	provider, closeProvider, err := openProvider(cfg, f.replay)
	if err != nil {
		return err
	}
	defer closeProvider()

	var opts []engine.Option
	if !f.noUpload && f.replay == "" {
		enricher, err := enrich.FromConfig(cfg.Enrich, cfg.Browser.DefaultProxy)
		if err != nil {
			return err
		}
		if enricher != nil {
			opts = append(opts, engine.WithEnricher(enricher))
		}
	}
	eng := engine.New(provider, engine.ConfigFrom(cfg.Portal, cfg.Extract), opts...)
	g := guard.New(guard.EngineFactory(eng))

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	frames := g.Run(ctx, source, limit)

	if f.format == models.FormatJSON {
		doc, err := guard.Collect(source, frames)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	enc := json.NewEncoder(out)
	var runErr error
	for fr := range frames {
		if err := enc.Encode(fr); err != nil {
			return err
		}
		if fr.Kind == models.FrameError {
			runErr = models.NewExtractError(fr.Err.Code, fr.Err.Message, nil)
		}
	}
	return runErr
}

// openProvider returns a replay portal when dir is set, otherwise a
// headless browser.
func openProvider(cfg *config.Config, dir string) (browser.Provider, func(), error) {
	if dir != "" {
		p, err := static.LoadDir(dir, cfg.Portal.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
	p, err := browser.NewRodProvider(cfg.Browser)
	if err != nil {
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}
	return p, p.Close, nil
}
