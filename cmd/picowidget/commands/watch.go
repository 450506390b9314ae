package commands

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sipeed/picowidget/pkg/client"
	"github.com/sipeed/picowidget/pkg/embed"
	"github.com/sipeed/picowidget/pkg/envelope"
	"github.com/sipeed/picowidget/pkg/exclusivity"
	"github.com/sipeed/picowidget/pkg/push"
)

// watch: act as the web widget of a conversation. The embedding channel is
// driven by a terminal surface and the device lock follows the push channel.
func watchCmd() *cobra.Command {
	var conversationID, pageOrigin, position string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a conversation as the web client and report device locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, os.Stdout, conversationID, pageOrigin, position)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to watch")
	cmd.Flags().StringVar(&pageOrigin, "page-origin", "http://localhost", "origin of the embedding page")
	cmd.Flags().StringVar(&position, "position", string(embed.DefaultPosition), "widget position")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, conversationID, pageOrigin, position string) error {
	gw, err := url.Parse(gatewayURL)
	if err != nil {
		return errors.Wrap(err, "gateway url")
	}
	frame := &terminalFrame{out: out}
	channel, err := embed.CreateChannel(embed.Attributes{
		TargetID:      "terminal",
		AllowedDomain: pageOrigin,
		WidgetOrigin:  gw.Scheme + "://" + gw.Host,
		Token:         apiKey,
	}, pageOrigin, embed.Host{
		Surface: &terminalSurface{out: out},
		Frame:   frame,
		OnPeerExpired: func(id string, at time.Time) {
			fmt.Fprintf(out, "mobile session on %s expired at %s\n", id, at.Format(time.RFC3339))
		},
	})
	if err != nil {
		return err
	}
	defer channel.Teardown()

	// the widget in this process announces itself like a framed one would
	ready, err := envelope.Encode(envelope.WidgetReady{Config: envelope.WidgetConfig{Position: position}})
	if err != nil {
		return err
	}
	channel.HandleMessage(envelope.Event{Origin: channel.State().ChildOrigin, Source: frame, Data: ready})

	api := client.New(gatewayURL, client.Options{APIKey: apiKey})
	coord := exclusivity.NewCoordinator(exclusivity.Options{
		ConversationID:  conversationID,
		FallbackTimeout: cfg.Exclusivity.FallbackTimeout,
		PollInterval:    cfg.Exclusivity.PollInterval,
		Status:          api,
		OnChange: func(l exclusivity.DeviceLock) {
			if l.Locked() {
				fmt.Fprintf(out, "LOCKED  %s (fallback unlock at %s)\n", l.LockMessage, l.FallbackDeadline.Format("15:04:05"))
			} else {
				fmt.Fprintln(out, "UNLOCKED  web input enabled")
			}
			if err := channel.PushLockState(l.ConversationID, l.Locked(), l.LockMessage); err != nil {
				fmt.Fprintln(out, "lock state not delivered:", err)
			}
		},
	})

	stream, err := push.Dial(ctx, gatewayURL, conversationID, apiKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching %s\n", conversationID)
	if err := coord.Run(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// terminalSurface prints what a page would apply to the widget's element.
type terminalSurface struct {
	out io.Writer
}

func (s *terminalSurface) ApplyPlacement(p embed.Placement) error {
	_, err := fmt.Fprintf(s.out, "placement top=%s right=%s bottom=%s left=%s transform=%s\n",
		p.Top, p.Right, p.Bottom, p.Left, p.Transform)
	return err
}

func (s *terminalSurface) ApplySize(width, height float64) error {
	_, err := fmt.Fprintf(s.out, "size %.0fx%.0f\n", width, height)
	return err
}

// terminalFrame stands in for the widget frame's window.
type terminalFrame struct {
	out io.Writer
}

func (f *terminalFrame) PostMessage(payload []byte, targetOrigin string) error {
	_, err := fmt.Fprintf(f.out, "-> %s %s\n", targetOrigin, payload)
	return err
}
