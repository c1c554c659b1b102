// Command chattail follows the bulletin team chat from a terminal. Lines
// typed on stdin are posted as messages; everything else arriving on the
// live channel is printed as it comes in.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bulletin/api/internal/logging"
	"bulletin/api/internal/wsclient"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server   string
		username string
		role     string
		code     string
		history  int
		rooms    []string
		window   time.Duration
		logLevel string
	)

	flagSet := pflag.NewFlagSet("chattail", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", envOr("BULLETIN_SERVER", "http://localhost:8787"), "API base URL")
	flagSet.StringVarP(&username, "user", "u", os.Getenv("BULLETIN_USER"), "username to sign in as")
	flagSet.StringVarP(&role, "role", "r", os.Getenv("BULLETIN_ROLE"), "role to sign in with")
	flagSet.StringVar(&code, "passcode", os.Getenv("BULLETIN_PASSCODE"), "passcode (prefer BULLETIN_PASSCODE)")
	flagSet.IntVar(&history, "history", 20, "number of earlier messages to print on start")
	flagSet.StringSliceVar(&rooms, "join", nil, "extra rooms to join, comma separated")
	flagSet.DurationVar(&window, "dedup-window", 10*time.Second, "how long posted message ids are remembered")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if username == "" || code == "" {
		return errors.New("--user and --passcode are required")
	}

	logger, err := logging.New(logLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := wsclient.Options{Logger: logger, DedupWindow: window}
	session, err := wsclient.Login(ctx, server, username, role, code, opts)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	client, err := wsclient.Dial(ctx, server, session.Token, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if history > 0 {
		messages, err := client.History(ctx, history)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, msg := range messages {
			printMessage(os.Stdout, msg)
		}
	}
	for _, room := range rooms {
		if err := client.Join(strings.TrimSpace(room)); err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
	}

	go readInput(ctx, client, logger, os.Stdin)

	fmt.Fprintf(os.Stderr, "signed in as %s (%s); type to post, Ctrl-C to quit\n", session.Username, session.Role)
	err = client.Listen(ctx, func(ev wsclient.Event) { printEvent(os.Stdout, ev) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func readInput(ctx context.Context, client *wsclient.Client, logger *zap.Logger, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, fresh, err := client.Post(ctx, line)
		if err != nil {
			logger.Warn("post failed", zap.Error(err))
			continue
		}
		// Whichever of the response and the live echo lands first prints.
		if fresh {
			printMessage(os.Stdout, msg)
		}
	}
}

func printEvent(w io.Writer, ev wsclient.Event) {
	switch ev.Event {
	case "message":
		var msg wsclient.Message
		if err := json.Unmarshal(ev.Data, &msg); err == nil {
			printMessage(w, msg)
		}
	case "mention":
		var notice struct {
			Type  string `json:"type"`
			Value string `json:"value"`
			From  string `json:"from"`
		}
		if err := json.Unmarshal(ev.Data, &notice); err == nil {
			fmt.Fprintf(w, "** %s mentioned @%s\n", notice.From, notice.Value)
		}
	case "activity":
		var entry struct {
			Title    string `json:"title"`
			UserName string `json:"userName"`
		}
		if err := json.Unmarshal(ev.Data, &entry); err == nil {
			fmt.Fprintf(w, "-- %s (%s)\n", entry.Title, entry.UserName)
		}
	case "session:evicted":
		fmt.Fprintln(w, "!! signed in elsewhere; this session was closed")
	case "session:ended":
		fmt.Fprintln(w, "!! signed out; this session was closed")
	case "error":
		fmt.Fprintf(w, "!! %s\n", ev.Data)
	}
}

func printMessage(w io.Writer, msg wsclient.Message) {
	fmt.Fprintf(w, "[%s] %s (%s): %s\n", msg.CreatedAt.Local().Format("15:04"), msg.SenderName, msg.SenderRole, msg.Content)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chattail follows the team chat and posts what you type.

Usage:
  chattail --user NAME --role ROLE [flags]

Examples:
  BULLETIN_PASSCODE=1234 chattail -u grace -r pastor
  chattail -u david -r worship --passcode 5678 --join service-2024-01-07

Flags:
`)
	flagSet.PrintDefaults()
}
