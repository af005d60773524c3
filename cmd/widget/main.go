// Command widget is the terminal forecast widget. Each line read from stdin
// replaces the location query; the rendered widget is printed to stdout
// whenever it changes.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/config"
	"github.com/kjstillabower/forecast-widget/internal/observability"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
	"github.com/kjstillabower/forecast-widget/internal/store"
	"github.com/kjstillabower/forecast-widget/internal/widget"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	storeBackend := flag.String("store", "", "location store backend: memory or sqlite")
	dbPath := flag.String("db", "", "sqlite database path")
	flag.Parse()

	if err := run(*configPath, *storeBackend, *dbPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "widget: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, storeBackend, dbPath string, in io.Reader, out io.Writer) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if storeBackend != "" {
		cfg.StoreBackend = strings.ToLower(storeBackend)
	}
	if dbPath != "" {
		cfg.StorePath = dbPath
	}

	logger, err := observability.NewConsoleLogger(cfg.WidgetLogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = observability.Flush(logger) }()

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	// Interactive use favors a fast failure over retries.
	omClient, err := client.NewOpenMeteoClient(client.Options{
		GeocodingURL:  cfg.GeocodingURL,
		ForecastURL:   cfg.ForecastURL,
		Timeout:       cfg.UpstreamTimeout,
		RetryAttempts: 1,
	})
	if err != nil {
		return fmt.Errorf("open-meteo client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := widget.NewSession(st, resolver.New(omClient, logger), logger, cfg.WidgetEventBuffer)
	defer session.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("read input", zap.Error(err))
		}
	}()

	var state widget.State
	state.Location = session.Restore(ctx)
	render(out, state)

	var idle chan struct{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input ended: let pending resolutions finish, then exit.
				lines = nil
				idle = make(chan struct{})
				go func() {
					session.Wait()
					close(idle)
				}()
				continue
			}
			if session.SetQuery(ctx, line) {
				state.Location = line
				render(out, state)
			}
		case e := <-session.Events():
			if state.Apply(e) {
				render(out, state)
			}
		case <-idle:
			session.Close()
			for e := range session.Events() {
				if state.Apply(e) {
					render(out, state)
				}
			}
			return nil
		}
	}
}

func render(w io.Writer, st widget.State) {
	fmt.Fprintln(w, widget.Render(st))
}
