package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/app"
	"github.com/shopwired/supportchat/internal/config"
	"github.com/shopwired/supportchat/internal/reconcile"
	"github.com/shopwired/supportchat/internal/session"
	"github.com/shopwired/supportchat/internal/wire"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: supportchat [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Headless support-chat client: connects the real-time messaging core\n")
		fmt.Fprintf(os.Stderr, "and bridges stdin/stdout to the active conversation.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  supportchat                          # guest session\n")
		fmt.Fprintf(os.Stderr, "  supportchat --token SECRET --user u17\n")
		fmt.Fprintf(os.Stderr, "  supportchat --token SECRET --user cs1 --admin\n")
	}

	token := flag.String("token", "", "bearer credential (empty: guest identity)")
	userID := flag.String("user", "", "authenticated user identifier")
	admin := flag.Bool("admin", false, "act as the customer-support console")
	reload := flag.Bool("reload-on-exit", false, "tear down as a reload (preserve shared credential)")
	flag.Parse()

	initLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	a, err := app.New(cfg, *token, *userID, *admin)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	if err := a.Start(); err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer a.Stop(*reload)

	ctrl := a.Controller()
	ctx := context.Background()

	if *admin {
		ctrl.WatchSupportBroadcast(func(msg wire.ChatMessage) {
			fmt.Printf("* new conversation %d: %s\n", msg.ConversationID, msg.Content)
		})
	}
	ctrl.WatchNotifications(func(msg wire.ChatMessage) {
		fmt.Printf("* %s\n", msg.Content)
	})

	// Render the engine's display stream.
	displayCh, cancelDisplay := a.Engine().Events().Subscribe()
	defer cancelDisplay()
	go func() {
		for ev := range displayCh {
			render(ev)
		}
	}()

	// Resume the conversation from before a reload, or open a fresh one.
	if err := ctrl.Restore(ctx); err != nil {
		if !errors.Is(err, session.ErrNoConversation) {
			log.Warn().Err(err).Msg("restore failed")
		}
		if err := ctrl.OpenChat(ctx); err != nil {
			log.Fatal().Err(err).Msg("cannot open chat")
		}
	}

	go readLoop(ctx, ctrl)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// readLoop bridges stdin lines into the session controller.
func readLoop(ctx context.Context, ctrl *session.Controller) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/close":
			err := ctrl.Close(ctx, false)
			if errors.Is(err, session.ErrConfirmRequired) {
				fmt.Println("* closing ends this session; type /close! to confirm")
			} else if err != nil {
				fmt.Printf("* %v\n", err)
			}
		case line == "/close!":
			if err := ctrl.Close(ctx, true); err != nil {
				fmt.Printf("* %v\n", err)
			}
		case line == "/history":
			list, err := ctrl.History(ctx)
			if err != nil {
				fmt.Printf("* %v\n", err)
				continue
			}
			for _, conv := range list {
				fmt.Printf("* #%d %s %s\n", conv.ID, conv.Kind, conv.Status)
			}
		case strings.HasPrefix(line, "/resume "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "/resume "), 10, 64)
			if err != nil {
				fmt.Println("* usage: /resume <conversation id>")
				continue
			}
			if err := ctrl.Resume(ctx, id); err != nil {
				fmt.Printf("* %v\n", err)
			}
		default:
			if err := ctrl.Send(line); err != nil {
				fmt.Printf("* %v\n", err)
			}
		}
	}
}

func render(ev reconcile.Event) {
	switch ev.Kind {
	case reconcile.EventSessionEnded:
		fmt.Printf("* %s\n", ev.Message.Content)
	case reconcile.EventMessage:
		m := ev.Message
		marker := ""
		if m.Temporary {
			marker = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format(time.Kitchen), m.Sender, m.Content, marker)
	}
}

func initLogger() {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
