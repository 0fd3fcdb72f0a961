package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"notification-hub/internal/shared/logging"
	"notification-hub/pkg/notifyclient"
)

func tokenSource(c *cli.Command) *notifyclient.HTTPTokenSource {
	return &notifyclient.HTTPTokenSource{BaseURL: c.String("url"), Session: c.String("session")}
}

func newClient(c *cli.Command, mod func(*notifyclient.Options)) (*notifyclient.Client, error) {
	level := "warn"
	if c.Bool("debug") {
		level = "debug"
	}
	o := notifyclient.Options{
		BaseURL: c.String("url"),
		Tokens:  tokenSource(c),
		Logger:  logging.New(os.Stderr, logging.Config{Level: level}),
	}
	if mod != nil {
		mod(&o)
	}
	return notifyclient.New(o)
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a connection token for the session user",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the full token response"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			tok, err := tokenSource(c).Token(ctx)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(tok)
			}
			fmt.Println(tok.Token)
			fmt.Fprintln(os.Stderr, metaStyle.Render(fmt.Sprintf("user %s, expires %s, refresh after %s",
				tok.UserID, tok.ExpiresAt.Local().Format(time.RFC3339), tok.RefreshAfter.Local().Format(time.RFC3339))))
			return nil
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Follow notifications over SSE, falling back to polling",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "poll", Usage: "Never open a stream, poll only"},
			&cli.BoolFlag{Name: "json", Usage: "Print events as NDJSON"},
			&cli.DurationFlag{Name: "poll-interval", Value: 5 * time.Second, Usage: "Polling interval"},
			&cli.DurationFlag{Name: "max-backoff", Value: 30 * time.Second, Usage: "Maximum reconnect backoff"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			asJSON := c.Bool("json")
			client, err := newClient(c, func(o *notifyclient.Options) {
				o.DisableSSE = c.Bool("poll")
				o.PollInterval = c.Duration("poll-interval")
				o.ReconnectMax = c.Duration("max-backoff")
				o.OnMethodChange = func(m notifyclient.Method) {
					fmt.Fprintln(os.Stderr, methodStyle.Render("transport: "+string(m)))
				}
			})
			if err != nil {
				return err
			}
			defer client.Close()
			client.Start(ctx)

			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-client.Events():
					if !ok {
						return nil
					}
					n, err := ev.Notification()
					if err != nil {
						slog.Warn("undecodable event", slog.String("id", ev.ID), slog.Any("error", err))
						continue
					}
					if asJSON {
						_ = enc.Encode(n)
						continue
					}
					fmt.Println(renderNotification(n, ev.Via))
				}
			}
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Mark a notification, or all of them, as read",
		ArgsUsage: "[notification-id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Mark every notification read"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			client, err := newClient(c, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res notifyclient.MarkResult
			switch {
			case c.Bool("all"):
				res, err = client.MarkAllRead(ctx)
			case c.Args().Len() == 1:
				res, err = client.MarkRead(ctx, c.Args().First())
			default:
				return errors.New("pass a notification id or --all")
			}
			if err != nil {
				return err
			}
			fmt.Println(summaryStyle.Render(fmt.Sprintf("%d updated, %d unread", res.Updated, res.UnreadCount)))
			return nil
		},
	}
}

func unreadCommand() *cli.Command {
	return &cli.Command{
		Name:  "unread",
		Usage: "Print the unread notification count",
		Action: func(ctx context.Context, c *cli.Command) error {
			client, err := newClient(c, nil)
			if err != nil {
				return err
			}
			defer client.Close()
			n, err := client.FetchUnreadCount(ctx)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}
