package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Follow lifecycle events as they happen",
	Long:    "Follow lifecycle events from NATS when ESOCIAL_NATS_URL or --nats-url is set, otherwise from the server's event stream.",
	GroupID: "events",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, _ := cmd.Flags().GetStringSlice("topic")
		natsURL, _ := cmd.Flags().GetString("nats-url")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if natsURL != "" {
			return watchNATS(ctx, natsURL, topics)
		}
		return watchStream(ctx, topics)
	},
}

func watchNATS(ctx context.Context, natsURL string, topics []string) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fmt.Fprintf(os.Stderr, "%s nats disconnected: %v\n", ui.RenderWarn("!"), err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			fmt.Fprintf(os.Stderr, "%s nats reconnected\n", ui.RenderMuted("·"))
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	if len(topics) == 0 {
		topics = []string{events.TopicAll}
	}
	merged := make(chan events.Message, 64)
	for _, topic := range topics {
		ch, cancel, err := sub.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		defer cancel()
		go func() {
			for m := range ch {
				select {
				case merged <- m:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-merged:
			printMessage(m)
		}
	}
}

func watchStream(ctx context.Context, topics []string) error {
	return engineClient.StreamEvents(ctx, topics, func(m events.Message) error {
		printMessage(m)
		return nil
	})
}

func printMessage(m events.Message) {
	if jsonOutput {
		fmt.Printf("{\"topic\":%q,\"data\":%s}\n", m.Topic, m.Data)
		return
	}
	fmt.Printf("%s %s %s\n",
		ui.RenderMuted(time.Now().Format("15:04:05")),
		ui.RenderAccent(strings.TrimPrefix(m.Topic, "esocial.")),
		m.Data,
	)
}

func init() {
	watchCmd.Flags().StringSlice("topic", nil, "topic pattern to follow, * and > wildcards (repeatable)")
	watchCmd.Flags().String("nats-url", os.Getenv("ESOCIAL_NATS_URL"), "NATS server URL")
}
