package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chatsync/internal/app"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/persistence"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run chatsync", "error", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "", "API base URL (overrides config)")
	token := flag.String("token", "", "access token; saved for future runs")
	userID := flag.Int64("user", 0, "user id for the saved session")
	signOut := flag.Bool("sign-out", false, "clear the saved session and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*server) != "" {
		cfg.Server.BaseURL = strings.TrimSpace(*server)
	}
	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		return fmt.Errorf("missing server base url: set --server or save it in config")
	}

	if *signOut {
		return clearSession(ctx, paths)
	}

	if strings.TrimSpace(*token) != "" {
		if err := saveSession(ctx, paths, *userID, strings.TrimSpace(*token)); err != nil {
			return err
		}
	}

	rt, err := app.Initialize(ctx, cfg, paths)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()

	if _, ok := rt.Session.AccessToken(); !ok {
		return fmt.Errorf("no saved session: sign in with --token")
	}

	logger := rt.LogManager.Logger("cli")

	toasts := app.NewNotificationService(rt.Bus, rt.Sender(), rt.LogManager.Logger("toasts"))
	toasts.Start(rt.Ctx)

	if err := rt.Orchestrator.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	rt.Push.Connect(ctx)

	go printEvents(rt.Ctx, rt)

	printChannels(rt)
	fmt.Println("commands: /channels /open <id> /send <text> /read /notifications /unread /quit")

	return inputLoop(ctx, rt, logger)
}

func inputLoop(ctx context.Context, rt *app.Runtime, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	var current int64

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return nil
		case "/channels":
			printChannels(rt)
		case "/open":
			id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				fmt.Println("usage: /open <channel-id>")

				continue
			}
			current = id
			if err := rt.Orchestrator.SelectChannel(ctx, id); err != nil {
				fmt.Printf("open failed: %v\n", err)

				continue
			}
			printMessages(rt, id)
		case "/send":
			if current == 0 {
				fmt.Println("open a channel first")

				continue
			}
			msg, err := rt.Orchestrator.Send(ctx, current, rest, false)
			if err != nil {
				fmt.Printf("send failed: %v\n", err)

				continue
			}
			logger.Debug("sent", "message_id", msg.ID)
		case "/read":
			if current == 0 {
				fmt.Println("open a channel first")

				continue
			}
			msgs := rt.Orchestrator.Messages(current)
			if len(msgs) > 0 {
				rt.Orchestrator.MarkRead(ctx, current, msgs[len(msgs)-1].ID)
			}
		case "/notifications":
			for _, n := range rt.Orchestrator.Notifications() {
				read := " "
				if n.IsRead {
					read = "r"
				}
				fmt.Printf("[%s] %-24s %s\n", read, n.Kind, n.Details.Title)
			}
		case "/unread":
			c := rt.Orchestrator.Unread()
			fmt.Printf("total=%d team=%d dm=%d friend=%d other=%d\n",
				c.Total, c.TeamRequests, c.DirectMessages, c.FriendRequests, c.Other)
		default:
			fmt.Printf("unknown command: %s\n", cmd)
		}
	}

	return scanner.Err()
}

func printEvents(ctx context.Context, rt *app.Runtime) {
	msgSub := rt.Bus.Subscribe(events.TopicChatMessage)
	connSub := rt.Bus.Subscribe(events.TopicConnStatus)
	unreadSub := rt.Bus.Subscribe(events.TopicUnread)
	defer rt.Bus.Unsubscribe(msgSub, events.TopicChatMessage)
	defer rt.Bus.Unsubscribe(connSub, events.TopicConnStatus)
	defer rt.Bus.Unsubscribe(unreadSub, events.TopicUnread)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgSub:
			if !ok {
				return
			}
			if ev, ok := raw.(events.ChannelMessages); ok {
				for _, msg := range ev.Messages {
					fmt.Printf("<#%d %s> %s\n", msg.ChannelID, msg.Timestamp.Format(time.TimeOnly), msg.Content)
				}
			}
		case raw, ok := <-connSub:
			if !ok {
				return
			}
			if status, ok := raw.(events.ConnectionStatus); ok {
				fmt.Printf("-- connection: %s", status.State)
				if status.Err != "" {
					fmt.Printf(" (%s)", status.Err)
				}
				fmt.Println()
			}
		case raw, ok := <-unreadSub:
			if !ok {
				return
			}
			if ev, ok := raw.(events.UnreadChanged); ok {
				fmt.Printf("-- unread: %d\n", ev.Counts.Total)
			}
		}
	}
}

func printChannels(rt *app.Runtime) {
	for _, ch := range rt.Orchestrator.Channels() {
		name := ch.Name
		if ch.Kind == domain.ChannelKindDirectMessage && ch.Counterpart != nil {
			name = "@" + ch.Counterpart.Username
		}
		unread := ""
		if ch.LastMessageID > ch.LastReadID {
			unread = " *"
		}
		fmt.Printf("%6d  %-12s %s%s\n", ch.ID, strings.ToLower(string(ch.Kind)), name, unread)
	}
}

func printMessages(rt *app.Runtime, channelID int64) {
	for _, msg := range rt.Orchestrator.Messages(channelID) {
		body := msg.Content
		if msg.IsAction {
			body = "* " + body
		}
		fmt.Printf("[%s] u%d: %s\n", msg.Timestamp.Format(time.TimeOnly), msg.SenderID, body)
	}
}

func saveSession(ctx context.Context, paths app.Paths, userID int64, token string) error {
	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return persistence.NewSessionRepo(db).Save(ctx, persistence.Session{
		UserID:      userID,
		AccessToken: token,
	})
}

func clearSession(ctx context.Context, paths app.Paths) error {
	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return persistence.NewSessionRepo(db).Clear(ctx)
}
