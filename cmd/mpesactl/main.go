package main

import (
	"context"
	"fmt"
	"os"

	"github.com/BiniyamTT/mpesa-api/internal/app"
	"github.com/BiniyamTT/mpesa-api/internal/config"
	"github.com/BiniyamTT/mpesa-api/internal/logging"
)

var Version = "dev"

func main() {
	build := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		// logs go to stderr so command output stays parseable
		return app.New(ctx, cfg, logging.NewWithWriter(os.Stderr, cfg.LogLevel))
	}

	if err := newRootCmd(build).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
