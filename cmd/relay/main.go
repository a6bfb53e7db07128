// Command relay runs the WAMP router: an HTTP listener hosting the
// WebSocket endpoint, the Prometheus metrics surface, and a health check.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/relay/pkg/auth"
	"github.com/odvcencio/relay/pkg/config"
	"github.com/odvcencio/relay/pkg/router"
	"github.com/odvcencio/relay/pkg/serialize"
	"github.com/odvcencio/relay/pkg/transport"
	"github.com/odvcencio/relay/pkg/wamp"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		bindFlag    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&bindFlag, "bind", "", "listen address, overrides config")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("relay %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(configPath, bindFlag); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, bindFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bindFlag != "" {
		cfg.Server.Bind = bindFlag
	}

	logger := buildLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}

	rtr := router.NewRouter(&router.Options{
		StrictURI:      cfg.Router.StrictURI,
		AutoRealm:      cfg.Router.AutoRealm,
		HelloTimeout:   time.Duration(cfg.Router.HelloTimeoutMS) * time.Millisecond,
		GoodbyeTimeout: time.Duration(cfg.Router.GoodbyeTimeoutMS) * time.Millisecond,
	}, authn, logger)

	for _, rc := range cfg.Realms {
		realm, err := rtr.AddRealm(wamp.URI(rc.URI))
		if err != nil {
			return err
		}
		for _, tc := range rc.Topics {
			if err := realm.Broker().CreateTopic(wamp.URI(tc.URI), tc.Match, true); err != nil {
				return err
			}
		}
	}

	bindings := transport.NewBindingTable()
	if err := bindings.Register(transport.Binding{
		Protocol:   "wamp.2.json",
		Frame:      transport.TextFrame,
		Serializer: serialize.JSONSerializer{},
	}); err != nil {
		return err
	}
	if err := bindings.Register(transport.Binding{
		Protocol:   "wamp.2.msgpack",
		Frame:      transport.BinaryFrame,
		Serializer: serialize.MessagePackSerializer{},
	}); err != nil {
		return err
	}

	wsServer := transport.NewWebSocketServer(rtr, bindings, logger, &transport.WebSocketOptions{
		OutboundQueue: cfg.Limits.OutboundQueue,
		SendTimeout:   time.Duration(cfg.Limits.SendTimeoutMS) * time.Millisecond,
		PingInterval:  time.Duration(cfg.Limits.PingIntervalMS) * time.Millisecond,
		ReadLimit:     cfg.Limits.ReadLimitBytes,
		MessageRate:   cfg.Limits.MessageRate,
		MessageBurst:  cfg.Limits.MessageBurst,
		CheckOrigin:   originChecker(cfg.Server.AllowedOrigins),
	})

	mux := chi.NewRouter()
	mux.Handle(cfg.Server.WSPath, wsServer)
	mux.Get("/healthz", healthHandler(rtr))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("relay listening",
			slog.String("bind", cfg.Server.Bind),
			slog.String("ws_path", cfg.Server.WSPath),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		rtr.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "anonymous":
		return auth.AnonymousAuthenticator{Role: cfg.Auth.DefaultRole}, nil
	case "ticket":
		return &auth.TicketAuthenticator{
			Secret:      []byte(cfg.Auth.TicketSecret),
			DefaultRole: cfg.Auth.DefaultRole,
		}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
}

// originChecker allows any origin when the list is empty, matching the
// usual same-infrastructure deployment.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

func healthHandler(rtr *router.Router) http.HandlerFunc {
	type realmHealth struct {
		URI           string `json:"uri"`
		Sessions      int    `json:"sessions"`
		Topics        int    `json:"topics"`
		Registrations int    `json:"registrations"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		realms := rtr.Realms()
		out := struct {
			Status string        `json:"status"`
			Realms []realmHealth `json:"realms"`
		}{Status: "ok", Realms: make([]realmHealth, 0, len(realms))}
		for _, realm := range realms {
			out.Realms = append(out.Realms, realmHealth{
				URI:           string(realm.URI()),
				Sessions:      realm.SessionCount(),
				Topics:        realm.Broker().TopicCount(),
				Registrations: realm.Dealer().RegistrationCount(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
