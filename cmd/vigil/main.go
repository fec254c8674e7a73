package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vigil/internal/config"
	"vigil/internal/logging"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file (default: ./vigil.yaml or /etc/vigil/vigil.yaml)")
	)
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, log)
	case "enroll":
		err = enroll(ctx, cfg, log, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("exiting with error")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: vigil [-config file] [command]

commands:
  serve                                  run the camera pipelines and the control API (default)
  enroll -name N -role R -image path     enroll a person from a face image

flags:
`)
	flag.PrintDefaults()
}
