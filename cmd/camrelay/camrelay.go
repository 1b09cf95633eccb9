package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/camrelay/server"
	"github.com/cyclopcam/camrelay/server/config"
	"github.com/cyclopcam/camrelay/server/relay"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("camrelay", "Live video relay server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: ""})
	listen := parser.String("", "listen", &argparse.Options{Help: "Override the listen address, eg :5001", Default: ""})
	source := parser.String("s", "source", &argparse.Options{Help: "Open this video source at startup (device index, URL, or file)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *source != "" {
		cfg.DefaultSource = *source
	}

	srv := server.NewServer(logger, cfg)
	srv.ListenForKillSignals()

	if cfg.DefaultSource != "" {
		desc := relay.ParseSourceDescriptor(cfg.DefaultSource)
		if err := srv.Relay.Start(desc); err != nil {
			// Not fatal. The frontend can still point us at a working
			// source via /start_stream.
			logger.Errorf("Failed to start default source %v: %v", desc, err)
		}
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = srv.ListenHTTP(cfg.ListenAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("ListenHTTP returned: %v", err)
		os.Exit(1)
	}
}
