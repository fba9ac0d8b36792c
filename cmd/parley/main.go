// Parley is a chat client daemon.
//
// It keeps a realtime websocket session to the chat server, tracks
// conversations, presence and group membership, and handles one-to-one
// voice calls. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley run                    Start the daemon
//	parley init [dir]             Write an example config file
//	parley export-contacts [out]  Export the contact book as vCards
//	parley contact-qr [out.png]   Render the logged-in user's share QR
//	parley version                Print version and build information
//	parley -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/parley-im/parley/examples"
	"github.com/parley-im/parley/internal/audio"
	"github.com/parley-im/parley/internal/buildinfo"
	"github.com/parley-im/parley/internal/call"
	"github.com/parley-im/parley/internal/chat"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/connwatch"
	"github.com/parley-im/parley/internal/contacts"
	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/groups"
	"github.com/parley-im/parley/internal/media"
	"github.com/parley-im/parley/internal/notify"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/state"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/transport"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand — the flag package relies
// on package-level globals, which makes it impossible to call run()
// concurrently from tests, and our argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runDaemon(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "export-contacts":
		out := "contacts.vcf"
		if len(cmdArgs) > 0 {
			out = cmdArgs[0]
		}
		return runExportContacts(stdout, configPath, out)
	case "contact-qr":
		out := "parley-contact.png"
		if len(cmdArgs) > 0 {
			out = cmdArgs[0]
		}
		return runContactQR(stdout, configPath, out)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - chat client daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                    Start the daemon")
	fmt.Fprintln(w, "  init [dir]             Write an example config file (default: .)")
	fmt.Fprintln(w, "  export-contacts [out]  Export contacts as vCards (default: contacts.vcf)")
	fmt.Fprintln(w, "  contact-qr [out.png]   Write your contact-share QR code")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./parley.yaml, ~/.config/parley/parley.yaml, /etc/parley/parley.yaml")
	return nil
}

// runInit handles "parley init [dir]". It seeds a working directory
// with the example configuration, refusing to overwrite an existing
// file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	target := filepath.Join(dir, "parley.yaml")
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", target)
	}
	if err := os.WriteFile(target, examples.ConfigYAML, 0644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", target)
	fmt.Fprintln(stdout, "Edit server.base_url, then start the daemon with: parley run")
	return nil
}

// runExportContacts handles "parley export-contacts [out]". It writes
// the whole contact book as a vCard 4.0 stream.
func runExportContacts(stdout io.Writer, configPath, out string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	book, err := contacts.NewStore(filepath.Join(cfg.DataDir, "contacts.db"), logger)
	if err != nil {
		return fmt.Errorf("open contact store: %w", err)
	}
	defer book.Close()

	list, err := book.List()
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := contacts.ExportVCards(f, list); err != nil {
		return fmt.Errorf("export contacts: %w", err)
	}
	fmt.Fprintf(stdout, "Exported %d contacts to %s\n", len(list), out)
	return nil
}

// runContactQR handles "parley contact-qr [out.png]". It renders the
// logged-in user's share URI as a QR code PNG.
func runContactQR(stdout io.Writer, configPath, out string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	sessions, err := store.NewStore(filepath.Join(cfg.DataDir, "parley.db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	sess, err := sessions.Session()
	if err != nil {
		return err
	}
	if sess.UserID == "" {
		return fmt.Errorf("not logged in (run `parley run` first)")
	}

	png, err := contacts.SharePNG(sess.UserID, sess.DisplayName, 0)
	if err != nil {
		return fmt.Errorf("render QR code: %w", err)
	}
	if err := os.WriteFile(out, png, 0644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (%s)\n", out, contacts.ShareURI(sess.UserID, sess.DisplayName))
	return nil
}

// runDaemon handles "parley run". It is the primary operating mode:
// loads config, opens the local databases, logs in (or resumes the
// stored session), connects the realtime channel, wires the presence,
// group, message and call components together, and blocks until a
// shutdown signal arrives.
func runDaemon(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			logger = newLogger(stdout, level, "text")
		}
	}
	logger.Info("config loaded", "path", cfgPath, "server", cfg.Server.BaseURL)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Session store ---
	// SQLite-backed session and room-snapshot persistence. The token
	// pair survives restarts so the daemon resumes without credentials.
	sessions, err := store.NewStore(filepath.Join(cfg.DataDir, "parley.db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	// --- Signal handling ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// sessionGone fires on forced logout or an unrecoverable token
	// refresh. Either way the daemon cannot continue.
	sessionGone := make(chan string, 1)
	reportSessionGone := func(reason string) {
		select {
		case sessionGone <- reason:
		default:
		}
	}

	// --- REST client ---
	api := rest.NewClient(rest.Options{
		BaseURL:  cfg.Server.BaseURL,
		Sessions: sessions,
		Timeout:  cfg.ServerTimeout(),
		Logger:   logger,
		OnSessionExpired: func() {
			reportSessionGone("session expired")
		},
	})

	// --- Login / resume ---
	sess, err := sessions.Session()
	if err != nil {
		return err
	}
	if sess.UserID == "" {
		phone := os.Getenv("PARLEY_PHONE")
		password := os.Getenv("PARLEY_PASSWORD")
		if phone == "" || password == "" {
			return fmt.Errorf("not logged in: set PARLEY_PHONE and PARLEY_PASSWORD for first run")
		}
		result, err := api.Login(ctx, phone, password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		sess = &store.Session{
			UserID:       result.User.ID,
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
			DisplayName:  result.User.Name,
		}
		if err := sessions.SaveSession(sess); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
		logger.Info("logged in", "user_id", sess.UserID, "name", sess.DisplayName)
	} else {
		logger.Info("resuming session", "user_id", sess.UserID, "name", sess.DisplayName)
	}

	// --- Event bus and conversation state ---
	bus := events.NewBus()
	st := state.NewStore(bus, sessions, logger)
	st.SetSelf(sess.UserID)

	notifier := notify.Log{Logger: logger}

	// --- Realtime transport ---
	wsURL := cfg.Realtime.URL
	if wsURL == "" {
		wsURL = cfg.Server.BaseURL
	}
	rt := transport.NewClient(transport.Options{
		URL:                  wsURL,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(cfg.Realtime.ReconnectDelaySec) * time.Second,
		DialTimeout:          time.Duration(cfg.Realtime.DialTimeoutSec) * time.Second,
		Snapshot:             sessions,
		OnForcedLogout: func(reason string) {
			if err := sessions.ClearSession(); err != nil {
				logger.Error("clear session after forced logout failed", "error", err)
			}
			notifier.Notify("Signed out", "This account was signed in on another device.")
			reportSessionGone("forced logout: " + reason)
		},
		Logger: logger,
	})
	defer rt.Close()

	// --- Presence tracker ---
	tracker := presence.NewTracker(logger)
	tracker.Attach(rt)

	// --- Contact book ---
	book, err := contacts.NewStore(filepath.Join(cfg.DataDir, "contacts.db"), logger)
	if err != nil {
		return fmt.Errorf("open contact store: %w", err)
	}
	defer book.Close()

	// --- Group membership router ---
	groupRouter := groups.NewRouter(st, api, rt, book, notifier, logger)
	groupRouter.Attach()

	// --- Message router ---
	chatRouter := chat.NewRouter(st, rt, notifier, logger)
	chatRouter.Attach()

	// --- Audio ---
	sounds := audio.NewRegistry(logger)
	ringtone, err := audio.NewRingtone(cfg.Call.RingtonePath, cfg.Call.FallbackRingtonePath, logger)
	if err != nil {
		return fmt.Errorf("initialize ringtone: %w", err)
	}
	sounds.Register(ringtone)
	defer sounds.StopAll()

	// --- Media engine and token renewal ---
	engine := media.NewWebRTC(cfg.Media.StunServers, logger)
	fetchToken := func(ctx context.Context, roomID string) (rest.MediaToken, error) {
		tok, err := api.GetMediaToken(ctx, roomID)
		if err != nil {
			return rest.MediaToken{}, err
		}
		return *tok, nil
	}
	tokens := media.NewTokenKeeper(fetchToken, time.Duration(cfg.Media.TokenRenewLeadSec)*time.Second, logger)
	defer tokens.Stop()
	rt.On(media.PushEvent, tokens.HandlePush)

	// --- Call manager ---
	calls := call.NewManager(call.Options{
		Signaler:     rt,
		Engine:       engine,
		FetchToken:   fetchToken,
		Ringtone:     ringtone,
		Sounds:       sounds,
		Tokens:       tokens,
		Notifier:     notifier,
		DialCooldown: time.Duration(cfg.Call.DialCooldownSec) * time.Second,
		RingTimeout:  time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Logger:       logger,
	})
	calls.SetSelf(sess.UserID)
	calls.Attach(rt)

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff. The api
	// watcher probes the REST health endpoint; the realtime watcher
	// reports the transport's own reconnect loop for status visibility.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "api",
		Probe:   func(pCtx context.Context) error { return api.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "realtime",
		Probe: func(context.Context) error {
			if !rt.Connected() {
				return fmt.Errorf("websocket disconnected")
			}
			return nil
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Connect and initial sync ---
	if err := rt.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime channel: %w", err)
	}
	if err := rt.Authenticate(ctx, sess.UserID); err != nil {
		logger.Warn("realtime authentication pending", "error", err)
	}

	convs, err := api.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	st.ReplaceAll(convs)
	if err := rt.JoinConversations(ctx, st.IDs()); err != nil {
		logger.Warn("join conversation rooms incomplete", "error", err)
	}
	logger.Info("conversations synced", "count", len(convs))

	friends, err := api.FetchFriends(ctx)
	if err != nil {
		logger.Warn("fetch friends failed", "error", err)
	} else {
		tracker.Seed(friends)
		if err := book.SyncFriends(friends); err != nil {
			logger.Warn("sync contact book failed", "error", err)
		}
		logger.Info("friends synced", "count", len(friends))
	}

	// --- Presence tickers ---
	go tracker.Run(ctx, api.FetchFriends, func() {
		bus.Publish(events.Event{Name: events.PresenceRelabel})
	})

	// --- Block until shutdown ---
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case reason := <-sessionGone:
		logger.Warn("session terminated", "reason", reason)
	}

	hangupCtx, hangupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hangupCancel()
	if err := calls.HangUp(hangupCtx); err != nil && !errors.Is(err, call.ErrNoCall) {
		logger.Warn("hang up on shutdown failed", "error", err)
	}

	logger.Info("parley stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
