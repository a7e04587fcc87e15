package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/splax/teamup/pkg/chat"
)

const chatDrainTimeout = 2 * time.Second

func commandChat(ctx context.Context, a *app, args []string) error {
	fs := a.flags("chat")
	projectID := fs.Int64("project", 0, "Project identifier")
	urlOnly := fs.Bool("url-only", false, "Print the chat URL instead of connecting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projectID > 0 {
		// Loading the project selects it and refreshes a stale access token.
		if _, err := a.client.GetProject(ctx, *projectID); err != nil {
			return err
		}
	}

	chatURL, err := chat.Handoff(ctx, a.client.BaseURL(), a.session, a.board)
	if err != nil {
		return err
	}
	if *urlOnly {
		fmt.Fprintln(a.stdout, chatURL)
		return nil
	}

	conn, err := chat.Dial(ctx, chatURL, a.log)
	if err != nil {
		return err
	}
	defer conn.Close()
	a.session.OnLogout(conn.Close)
	fmt.Fprintf(a.stderr, "joined project %d chat, end input to leave\n", a.session.CurrentProject())

	received := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Receive()
			if err != nil {
				received <- err
				return
			}
			if msg.Username != "" {
				fmt.Fprintf(a.stdout, "%s: %s\n", msg.Username, msg.Message)
			} else {
				fmt.Fprintln(a.stdout, msg.Message)
			}
		}
	}()

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-received:
			if chat.Closed(err) {
				return nil
			}
			return fmt.Errorf("chat connection lost: %w", err)
		case line, ok := <-lines:
			if !ok {
				return leaveChat(conn, received)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := conn.Send(line); err != nil {
				return err
			}
		}
	}
}

func leaveChat(conn *chat.Conn, received <-chan error) error {
	if err := conn.Leave(); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	select {
	case err := <-received:
		if chat.Closed(err) {
			return nil
		}
		return err
	case <-time.After(chatDrainTimeout):
		return nil
	}
}
