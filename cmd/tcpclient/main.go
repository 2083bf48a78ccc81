package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pollserver/internal/client"
	"pollserver/internal/config"
	"pollserver/internal/logger"
)

func main() {
	r := flag.Float64("rate", 0, "Segments per second, 0 for no pacing")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-rate r] <host> <port> <n> <k>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.Must(config.Default().Logging)
	defer log.Sync()

	cfg, err := client.ParseArgs(flag.Args(), *r)
	if err != nil {
		log.Fatal("Invalid arguments", zap.Error(err))
	}

	if err := client.SendStream(context.Background(), cfg, log); err != nil {
		log.Fatal("Send failed", zap.Error(err))
	}
}
