package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "notifyctl",
		Usage: "Inspect and consume notification-hub streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "notification-hub base URL",
				Value:   "http://localhost:8086",
				Sources: cli.EnvVars("NOTIFY_HUB_URL"),
			},
			&cli.StringFlag{
				Name:     "session",
				Usage:    "Session JWT used to obtain connection tokens",
				Sources:  cli.EnvVars("NOTIFY_SESSION"),
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			tokenCommand(),
			tailCommand(),
			readCommand(),
			unreadCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
