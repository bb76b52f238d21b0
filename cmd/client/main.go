// Command client runs a local replica against a sync server: it bootstraps
// the document, keeps it converged in the background, and offers a small
// interactive prompt for exercising the document model.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/replica"
	"github.com/eternisai/enchanted-sync/internal/syncclient"
	"github.com/eternisai/enchanted-sync/internal/tree"
)

func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "http://127.0.0.1:8080", "sync server base URL")
	token := flag.String("token", "", "bearer token for the sync server")
	user := flag.String("user", "", "user ID for the bootstrap snapshot fetch")
	stateFile := flag.String("state", "", "path to the local document file")
	flag.Parse()

	log := logger.New(logger.FromConfig(
		getEnv("LOG_LEVEL", "info"),
		getEnv("LOG_FORMAT", "text"),
	))

	store, err := bootstrap(*addr, *user, *stateFile, log)
	if err != nil {
		return err
	}
	log.Info("replica ready", slog.Int("chats", len(store.ChatIDs())))

	client := syncclient.New(store, syncclient.Options{
		BaseURL: *addr,
		Token:   func() (string, error) { return *token, nil },
	}, log)
	client.Start()

	scheduler, err := syncclient.NewScheduler(client, log)
	if err != nil {
		return err
	}
	scheduler.Start()

	done := make(chan struct{})
	go func() {
		prompt(store, log)
		close(done)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("signal caught", slog.String("sig", sig.String()))
	case <-done:
	}

	scheduler.Stop()

	if *stateFile != "" {
		if err := os.WriteFile(*stateFile, store.Save(), 0o600); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}
		log.Info("document saved", slog.String("path", *stateFile))
	}
	return nil
}

// bootstrap loads the local document, or fetches the server's snapshot when
// starting fresh. A new replica never provisions its own document: sharing
// the server's root containers is what lets concurrent edits merge.
func bootstrap(addr, user, stateFile string, log *logger.Logger) (*replica.Store, error) {
	if stateFile != "" {
		if raw, err := os.ReadFile(stateFile); err == nil && len(raw) > 0 {
			return replica.LoadStore(raw, log)
		}
	}
	if user == "" {
		return nil, fmt.Errorf("no local state; -user is required to fetch the bootstrap snapshot")
	}

	req, err := http.NewRequest(http.MethodGet, addr+"/y-doc?userID="+url.QueryEscape(user), nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return replica.LoadStore(raw, log)
}

func prompt(store *replica.Store, log *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: new | list | msg <chat> <text> | show <chat> | delete <chat> | quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit":
			return
		case "new":
			id := uuid.NewString()
			if _, err := store.CreateChat(id); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("created", id)
		case "list":
			for _, id := range store.ChatIDs() {
				chat, err := store.Chat(id)
				if err != nil {
					continue
				}
				status := ""
				if chat.Deleted() {
					status = " (deleted)"
				}
				fmt.Printf("%s  %s%s\n", id, chat.Title(), status)
			}
		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: msg <chat> <text>")
				continue
			}
			if err := addMessage(store, fields[1], strings.Join(fields[2:], " "), log); err != nil {
				fmt.Println("error:", err)
			}
		case "show":
			if len(fields) != 2 {
				fmt.Println("usage: show <chat>")
				continue
			}
			if err := showChat(store, fields[1], log); err != nil {
				fmt.Println("error:", err)
			}
		case "delete":
			if len(fields) != 2 {
				fmt.Println("usage: delete <chat>")
				continue
			}
			chat, err := store.Chat(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if err := chat.Delete(); err != nil {
				fmt.Println("error:", err)
			}
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

// addMessage appends to the chat's most recent branch.
func addMessage(store *replica.Store, chatID, text string, log *logger.Logger) error {
	chat, err := store.Chat(chatID)
	if err != nil {
		return err
	}
	t, err := tree.Build(chat, log)
	if err != nil {
		return err
	}
	parent := ""
	if leaf, ok := t.MostRecentLeaf(); ok {
		parent = leaf.ID
	}
	return chat.AddMessage(replica.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		ParentID:  parent,
		Role:      "user",
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
		Done:      true,
	})
}

func showChat(store *replica.Store, chatID string, log *logger.Logger) error {
	chat, err := store.Chat(chatID)
	if err != nil {
		return err
	}
	t, err := tree.Build(chat, log)
	if err != nil {
		return err
	}
	leaf, ok := t.MostRecentLeaf()
	if !ok {
		fmt.Println("(empty)")
		return nil
	}
	chain, err := t.ChainTo(leaf.ID)
	if err != nil {
		return err
	}
	for _, msg := range chain {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
