// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command dmclient is a terminal client for the DM service.
//
//	dmclient [flags] conversations
//	dmclient [flags] unread
//	dmclient [flags] history <user>
//	dmclient [flags] send <user> <text...>
//	dmclient [flags] chat <user>
//	dmclient [flags] search <query>
//	dmclient [flags] users
//	dmclient [flags] whoami
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/efchatnet/efdm/backend/client"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

type Config struct {
	ServerURL string        `env:"EFDM_SERVER_URL,default=http://localhost:8081"`
	Token     string        `env:"EFDM_TOKEN"`
	User      string        `env:"EFDM_USER"`
	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER,default=efchat"`
	LogLevel  string        `env:"LOG_LEVEL,default=WARN"`
	Backoff   time.Duration `env:"EFDM_RECONNECT_BACKOFF,default=5s"`
}

func main() {
	code, err := run(os.Args[1:], os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmclient: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string, in io.Reader, out io.Writer) (int, error) {
	_ = godotenv.Load()
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return exitUsage, fmt.Errorf("config error: %w", err)
	}

	fs := flag.NewFlagSet("dmclient", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "DM service base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	fs.StringVar(&cfg.User, "user", cfg.User, "user id for a development token (needs JWT_SECRET)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return exitUsage, err
	}
	if fs.NArg() == 0 {
		return exitUsage, errors.New("missing command: conversations, unread, history, send, chat, search, users or whoami")
	}

	token, err := resolveToken(cfg)
	if err != nil {
		return exitUsage, err
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)
	session, err := client.NewSession(cfg.ServerURL, client.WithBackoff(cfg.Backoff), client.WithLogger(logger))
	if err != nil {
		return exitUsage, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Connect(ctx, token); err != nil {
		return exitUsage, err
	}
	defer session.Disconnect()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "conversations":
		if err := session.LoadConversations(ctx); err != nil {
			return exitRuntime, err
		}
		renderConversations(out, session.Conversations())
	case "unread":
		if err := session.LoadUnreadCounts(ctx); err != nil {
			return exitRuntime, err
		}
		renderUnread(out, session.UnreadCounts())
	case "history":
		if len(rest) != 1 {
			return exitUsage, errors.New("usage: history <user>")
		}
		if err := session.OpenConversation(ctx, rest[0]); err != nil {
			return exitRuntime, err
		}
		renderMessages(out, session.SelfID(), session.Messages())
	case "send":
		if len(rest) < 2 {
			return exitUsage, errors.New("usage: send <user> <text...>")
		}
		msg, err := session.API().Send(ctx, rest[0], strings.Join(rest[1:], " "))
		if err != nil {
			return exitRuntime, err
		}
		fmt.Fprintf(out, "sent %s at %s\n", msg.ID, msg.Timestamp.Local().Format(time.Kitchen))
	case "chat":
		if len(rest) != 1 {
			return exitUsage, errors.New("usage: chat <user>")
		}
		if err := chat(ctx, session, rest[0], in, out); err != nil {
			return exitRuntime, err
		}
	case "search":
		if len(rest) == 0 {
			return exitUsage, errors.New("usage: search <query>")
		}
		profiles, err := session.SearchUsers(ctx, strings.Join(rest, " "))
		if err != nil {
			return exitRuntime, err
		}
		renderProfiles(out, profiles)
	case "users":
		profiles, err := session.API().AllUsers(ctx)
		if err != nil {
			return exitRuntime, err
		}
		renderProfiles(out, profiles)
	case "whoami":
		profile, err := session.API().Me(ctx)
		if err != nil {
			return exitRuntime, err
		}
		renderProfiles(out, []models.UserProfile{profile})
	default:
		return exitUsage, fmt.Errorf("unknown command %q", cmd)
	}
	return exitOK, nil
}

// resolveToken prefers an explicit token and otherwise signs a short-lived
// one for cfg.User, which only works against a server sharing JWT_SECRET.
// The user id doubles as the display name so others can search for it.
func resolveToken(cfg Config) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if cfg.User == "" || cfg.JWTSecret == "" {
		return "", errors.New("set -token, or -user together with JWT_SECRET")
	}
	claims := middleware.Claims{UserID: cfg.User, Username: cfg.User}
	return middleware.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}.IssueClaims(claims, 12*time.Hour)
}

func chat(ctx context.Context, session *client.Session, counterpartID string, in io.Reader, out io.Writer) error {
	if err := session.OpenConversation(ctx, counterpartID); err != nil {
		return err
	}
	self := session.SelfID()
	renderMessages(out, self, session.Messages())
	fmt.Fprintf(out, "chatting with %s, empty line or Ctrl-D to quit\n", counterpartID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "" {
				return nil
			}
			switch err := session.SendMessage(counterpartID, line); {
			case errors.Is(err, client.ErrNotConnected):
				fmt.Fprintln(out, "! not connected, message not sent")
			case errors.Is(err, client.ErrSendAmbiguous):
				fmt.Fprintln(out, "! connection dropped, check history before resending")
			case err != nil:
				fmt.Fprintf(out, "! %v\n", err)
			}
		case ev := <-session.Events():
			printEvent(out, self, counterpartID, ev)
		}
	}
}

func printEvent(out io.Writer, self, counterpartID string, ev client.Event) {
	switch ev.Type {
	case client.EventStateChanged:
		fmt.Fprintf(out, "* %s\n", ev.State)
	case client.EventError:
		var rejected *client.RejectedError
		if errors.As(ev.Err, &rejected) {
			fmt.Fprintf(out, "! rejected: %s\n", rejected.Message)
			return
		}
		fmt.Fprintf(out, "! %v\n", ev.Err)
	case client.EventMessage:
		msg := ev.Message
		if msg.Counterpart(self) != counterpartID {
			fmt.Fprintf(out, "* new message from %s\n", msg.SenderID)
			return
		}
		fmt.Fprintln(out, formatLine(self, *msg))
	}
}

func formatLine(self string, msg models.Message) string {
	who := msg.SenderID
	if who == self {
		who = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Local().Format(time.Kitchen), who, msg.Content)
}
