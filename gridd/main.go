package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/spf13/viper"

	"github.com/gridhub/gridhub/gridhub"
)

const GriddVersion = "0.1.0"

const shutdownTimeout = 5 * time.Second

func main() {
	usage := `Gridhub dataset collaboration server.

Settings may also come from the environment with a GRIDHUB_ prefix,
e.g. GRIDHUB_LISTEN, GRIDHUB_DB, GRIDHUB_MAX_IMPORT_BYTES.

Usage:
    gridd [--config=<path>] [--listen=<addr>] [--db=<dsn>] [--verbose=<level>]

Options:
    -h --help           Show this screen.
    --version           Show version.
    --config=<path>     Optional yaml config file.
    --listen=<addr>     Listen address.
    --db=<dsn>          Sqlite dsn.
    --verbose=<level>   Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GriddVersion)
	if err != nil {
		panic(err)
	}

	verbose, _ := opts.String("--verbose")
	flag.Set("logtostderr", "true")
	flag.Set("v", verbose)
	flag.CommandLine.Parse([]string{})

	config := viper.New()
	config.SetDefault("listen", ":8080")
	config.SetDefault("db", "file:gridhub.db")
	config.SetDefault("max_import_bytes", 5*1024*1024)
	config.SetEnvPrefix("GRIDHUB")
	config.AutomaticEnv()

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config.SetConfigFile(configPath)
		if err := config.ReadInConfig(); err != nil {
			glog.Errorf("[gridd]config error = %s\n", err)
			os.Exit(1)
		}
	}
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		config.Set("listen", listen)
	}
	if db, err := opts.String("--db"); err == nil && db != "" {
		config.Set("db", db)
	}

	run(config)
}

func run(config *viper.Viper) {
	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	store, err := gridhub.NewSqliteStore(config.GetString("db"))
	if err != nil {
		glog.Errorf("[gridd]store error = %s\n", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := gridhub.NewHubWithDefaults(cancelCtx)
	defer hub.Close()

	collabSettings := gridhub.DefaultCollabSettings()
	collabSettings.MaxImportBytes = config.GetInt64("max_import_bytes")
	collab := gridhub.NewCollab(store, hub, collabSettings)

	api := gridhub.NewApi(collab)
	server := &http.Server{
		Addr:    config.GetString("listen"),
		Handler: api.Router(),
	}

	go func() {
		fmt.Printf("gridd listening on %s\n", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("[gridd]serve error = %s\n", err)
			cancel()
		}
	}()

	<-cancelCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
