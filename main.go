package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"collabkit/internal/app"
	"collabkit/internal/config"
	"collabkit/internal/logging"
	"collabkit/internal/realtime"
	"collabkit/internal/respcache"
	"collabkit/internal/ui/console"

	flags "github.com/jessevdk/go-flags"
)

var BuildVersion = "dev"

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	opts = mergeSavedSettings(opts)
	if opts.SaveSettings {
		if err := saveSettings(opts); err != nil {
			fmt.Fprintln(os.Stderr, "failed to save settings:", err)
			os.Exit(1)
		}
	}

	logger := logging.New(opts.Debug)
	if opts.LogFiles {
		if err := logger.EnableFilePersistence("", 0); err != nil {
			logger.Warn("failed to enable file log persistence", logging.Field("error", err))
		}
	}

	os.Exit(run(rootCtx, opts, logger))
}

func run(ctx context.Context, opts config.Options, logger *logging.Logger) int {
	defer func() {
		_ = logger.Close()
	}()

	if opts.Console {
		lockPath, err := consoleLockPath()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		lock, holder, err := acquireConsoleLock(lockPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to initialize console lock:", err)
			return 2
		}
		if lock == nil {
			if holder > 0 {
				fmt.Fprintf(os.Stderr, "collabkit console is already running (pid %d).\n", holder)
			} else {
				fmt.Fprintln(os.Stderr, "collabkit console is already running.")
			}
			return 1
		}
		defer func() {
			_ = lock.Release()
		}()
		if err := console.Run(ctx, BuildVersion, opts, logger); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	out := json.NewEncoder(os.Stdout)
	err := app.New(opts, nil, nil, logger, app.Callbacks{
		OnEvent: func(e realtime.Event) {
			_ = out.Encode(eventLine{Event: e.Name, Payload: rawPayload(e.Payload)})
		},
		OnFetch: func(path string, entry respcache.Entry) {
			_ = out.Encode(eventLine{Fetch: path, Status: entry.Status, Cached: entry.Cached, Payload: rawPayload(entry.Body)})
		},
	}).RunContext(ctx)
	if err != nil {
		logger.Error("collab app failed", logging.Field("error", err))
		if errors.Is(err, app.ErrInvalidConfiguration) || errors.Is(err, app.ErrUnsupportedTransport) {
			return 2
		}
		return 1
	}
	return 0
}

// eventLine is one JSON line on stdout in plain mode.
type eventLine struct {
	Event   string          `json:"event,omitempty"`
	Fetch   string          `json:"fetch,omitempty"`
	Status  int             `json:"status,omitempty"`
	Cached  bool            `json:"cached,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func rawPayload(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

func mergeSavedSettings(opts config.Options) config.Options {
	path, err := config.ResolveSettingsPath(opts.Settings)
	if err != nil {
		return opts
	}
	saved, err := config.LoadSettings(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "ignoring saved settings:", err)
		}
		return opts
	}
	return config.MergeOptionsWithSettings(opts, saved)
}

func saveSettings(opts config.Options) error {
	path, err := config.ResolveSettingsPath(opts.Settings)
	if err != nil {
		return err
	}
	return config.SaveSettings(path, config.SettingsFromOptions(opts))
}
