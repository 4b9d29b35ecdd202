package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/masomo/campus/client/chatsync"
	"github.com/masomo/campus/core"
	logsvc "github.com/masomo/campus/services/logger"
)

var readPasswordFunc = term.ReadPassword // mockable

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "CHAT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	apiURL := flag.String("api", "http://localhost"+conf.Server.Address+"/api", "Base URL of the API.")
	username := flag.String("username", "", "Username or email. The password will be prompted next.")
	flag.Parse()
	if *username == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Print("Password: ")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		logger.Fatal(fmt.Sprintf("reading password: %v", err), err)
	}

	pull := chatsync.NewRESTClient(*apiURL)
	token, err := pull.Login(ctx, *username, string(pwd))
	if err != nil {
		logger.Fatal(fmt.Sprintf("logging in: %v", err), err)
	}

	wsURL, err := socketURL(*apiURL)
	if err != nil {
		logger.Fatal(fmt.Sprintf("parsing api url: %v", err), err)
	}
	push, err := chatsync.DialSocket(ctx, wsURL, token, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("connecting socket: %v", err), err)
	}
	defer push.Close()

	store := chatsync.NewStore(pull, push, logger)
	defer store.Close()

	sess := newSession(store, os.Stdout)
	store.Subscribe(sess.render)
	store.RefreshConversations(ctx)
	sess.printHelp()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := sess.handle(ctx, line); quit {
				return
			}
		}
	}
}

// socketURL derives the websocket endpoint from the API base URL.
func socketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
