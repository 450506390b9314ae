package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sipeed/picowidget/pkg/client"
	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/exclusivity"
	"github.com/sipeed/picowidget/pkg/inactivity"
	"github.com/sipeed/picowidget/pkg/tokenrefresh"
)

// mobile: hold a conversation from the terminal the way the phone client
// does. Every line typed counts as activity.
func mobileCmd() *cobra.Command {
	var botID, conversationID string
	cmd := &cobra.Command{
		Use:   "mobile",
		Short: "Join a conversation as the mobile device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()
			return runMobile(ctx, botID, conversationID)
		},
	}
	cmd.Flags().StringVar(&botID, "bot", "", "bot id to start a new conversation with")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "existing conversation id (uses --api-key)")
	return cmd
}

func runMobile(ctx context.Context, botID, conversationID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return errors.Wrap(err, "terminal")
	}
	defer rl.Close()
	view := &terminalView{out: rl.Stdout(), closeInput: func() { rl.Close() }}

	api, err := mobileClient(ctx, botID, &conversationID, func(err error) {
		fmt.Fprintln(view.out, "Session ended: "+err.Error())
		cancel()
	})
	if err != nil {
		return err
	}

	session := exclusivity.NewMobileSession(conversationID, api, view)
	if err := session.Open(ctx); err != nil {
		return nil // the view already shows why
	}
	defer api.Wait()

	timer := inactivity.New(inactivity.Options{
		ConversationID: conversationID,
		Timeout:        cfg.Inactivity.Timeout,
		Warning:        cfg.Inactivity.Warning,
		Leaver:         session,
		View:           view,
	})
	timer.Start(ctx)
	defer timer.Stop()

	fmt.Fprintf(view.out, "Joined %s as %s. /status, /quit\n", conversationID, session.SessionID)
	for {
		line, err := rl.Readline()
		if err != nil {
			if view.isExpired() {
				return nil
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				// like closing the tab: the request must outlive us
				session.LeaveBeacon(domain.LeavePageClosed)
				return nil
			}
			return err
		}
		timer.Activity(inactivity.ActivityEvent{Kind: inactivity.ActivityKey})

		switch strings.TrimSpace(line) {
		case "":
		case "/quit":
			return session.Leave(ctx, domain.LeaveUnmount)
		case "/status":
			report, err := api.Status(ctx, conversationID)
			if err != nil {
				fmt.Fprintln(view.out, "status:", err)
				continue
			}
			snap := timer.Snapshot()
			fmt.Fprintf(view.out, "conversation %s, mobile attached %t, idle state %s\n",
				report.Status, report.ActiveMobileSession, snap.State)
		default:
			fmt.Fprintln(view.out, "you:", line)
		}
	}
}

// mobileClient authenticates the terminal: a new conversation comes with
// renewable tokens, an existing one is opened with the API key.
func mobileClient(ctx context.Context, botID string, conversationID *string, onTerminated func(error)) (*client.Client, error) {
	admin := client.New(gatewayURL, client.Options{APIKey: apiKey})
	if *conversationID != "" {
		return admin, nil
	}
	if botID == "" {
		return nil, errors.New("either --bot or --conversation is required")
	}
	created, err := admin.Create(ctx, botID)
	if err != nil {
		return nil, err
	}
	*conversationID = created.ConversationID

	tokens := tokenrefresh.New(tokenrefresh.Options{
		Renewer:             tokenrefresh.NewOAuth2Renewer(cfg.Refresh.ClientID, strings.TrimRight(gatewayURL, "/")+"/api/auth/token"),
		Threshold:           cfg.Refresh.Threshold,
		Cooldown:            cfg.Refresh.Cooldown,
		Scope:               created.ConversationID,
		OnSessionTerminated: onTerminated,
	})
	tokens.Set(created.Credential(time.Now()))
	return client.New(gatewayURL, client.Options{Tokens: tokens}), nil
}

// terminalView renders the mobile client's gate and inactivity notices.
type terminalView struct {
	out        io.Writer
	closeInput func()

	mu      sync.Mutex
	expired bool
}

func (v *terminalView) ShowBlocked(s exclusivity.BlockedState) {
	fmt.Fprintf(v.out, "Blocked (%s): %s\n", s.Reason, s.Message)
	if s.Retryable {
		fmt.Fprintln(v.out, "Run the command again to retry.")
	}
}

func (v *terminalView) ShowChat() {
	fmt.Fprintln(v.out, "Conversation open on this device.")
}

func (v *terminalView) ShowWarning(secondsLeft int) {
	fmt.Fprintf(v.out, "Still there? Closing in %ds.\n", secondsLeft)
}

func (v *terminalView) ClearWarning() {
	fmt.Fprintln(v.out, "Welcome back.")
}

func (v *terminalView) ShowExpired() {
	v.mu.Lock()
	v.expired = true
	v.mu.Unlock()
	fmt.Fprintln(v.out, "Closed after inactivity. The conversation is free for other devices.")
	v.closeInput()
}

func (v *terminalView) isExpired() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expired
}
