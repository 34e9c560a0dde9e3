package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"etaexport/internal/aggregate"
	"etaexport/internal/apiprobe"
	"etaexport/internal/browser"
	"etaexport/internal/config"
	"etaexport/internal/extractor"
	"etaexport/internal/scraper"
	"etaexport/internal/traversal"
)

// Name is the registry name of the portal scraper.
const Name = "eta"

func init() {
	scraper.Register(&Scraper{})
}

// Scraper implements scraper.Scraper for the invoice portal.
type Scraper struct{}

// Name returns the site name.
func (s *Scraper) Name() string {
	return Name
}

// Scrape opens the portal at target, waits for the listing and scans it.
func (s *Scraper) Scrape(ctx context.Context, target string, opts scraper.Options) (scraper.Content, error) {
	if opts.Config == nil {
		return nil, errors.New("eta scraper: missing configuration")
	}
	sess, err := Open(ctx, opts.Config, target, opts.ShowUI)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	cfg := opts.Config
	res := sess.Controller.Run(ctx, aggregate.Options{
		AllPages:       opts.AllPages,
		Mode:           cfg.Mode(),
		BatchSize:      cfg.Traversal.BatchSize,
		IncludeDetails: opts.IncludeDetails,
		Progress:       opts.Progress,
		Lang:           cfg.Locale,
	})
	if !res.Success {
		return nil, errors.New(res.Error)
	}
	return NewContent(res, opts.AllPages, opts.IncludeDetails, opts.Fields), nil
}

// Session is a browser with the portal open and the scan pipeline wired to it.
type Session struct {
	Browser    *browser.Browser
	Client     *Client
	Probe      *apiprobe.Probe
	Engine     *traversal.Engine
	Controller *aggregate.Controller

	cancel context.CancelFunc
}

// Open launches the browser, opens target (the configured portal URL when
// empty) and waits for the invoice table. Requests of the tab are observed
// until the session is closed.
func Open(ctx context.Context, cfg *config.Config, target string, showUI bool) (*Session, error) {
	if target == "" {
		target = cfg.Portal.URL
	}
	rate, err := cfg.VATRate()
	if err != nil {
		return nil, err
	}

	b, err := browser.New(browser.Config{
		Headless:    cfg.Browser.Headless && !showUI,
		Bin:         cfg.Browser.Bin,
		ProxyURL:    cfg.Browser.ProxyURL,
		UserDataDir: cfg.Browser.UserDataDir,
		UserAgent:   cfg.Browser.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser: %w", err)
	}
	client := NewClient(b)
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{Browser: b, Client: client, cancel: cancel}

	if err := client.Init(ctx, target); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to init eta client: %w", err)
	}

	sess.Probe = apiprobe.New(&http.Client{Timeout: cfg.API.Timeout}, cfg.API.Interval, cfg.API.Burst)
	sess.Probe.ShareBase = cfg.Portal.BaseURL
	sess.Probe.VATRate = rate
	client.ObserveRequests(sessCtx, sess.Probe)

	log.Info().Str("url", target).Msg("waiting for the invoice table, log in to the portal if asked")
	if err := client.WaitForTable(ctx, cfg.Traversal.PollInterval, cfg.Browser.LoginTimeout); err != nil {
		sess.Close()
		return nil, fmt.Errorf("invoice table did not appear: %w", err)
	}
	if _, ok := sess.Probe.DiscoverToken(ctx, client); !ok {
		log.Debug().Msg("no bearer token found in the portal storage")
	}

	engine := traversal.New(client, extractor.New(cfg.Portal.BaseURL, rate))
	engine.Offscreen = client
	engine.PollInterval = cfg.Traversal.PollInterval
	engine.PageTimeout = cfg.Traversal.PageTimeout
	engine.Settle = cfg.Traversal.Settle
	engine.BatchDelay = cfg.Traversal.BatchDelay
	engine.Lang = cfg.Locale
	sess.Engine = engine

	var api aggregate.API
	if cfg.API.Enabled {
		api = sess.Probe
	}
	ctrl := aggregate.New(client, engine, api, cfg.Details.CacheTTL)
	ctrl.APIConcurrency = cfg.API.Concurrency
	ctrl.DetailsConcurrency = cfg.Details.Concurrency
	sess.Controller = ctrl
	return sess, nil
}

// Close stops request observation and closes the tabs and the browser.
func (s *Session) Close() {
	s.cancel()
	s.Client.Close()
	if err := s.Browser.Close(); err != nil {
		log.Debug().Err(err).Msg("browser close failed")
	}
}
