package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/playhub-io/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenChannel     string
	listenMetricsAddr string
	listenResyncCron  string
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringVar(&listenChannel, "channel", "", "conversation to open and follow")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().StringVar(&listenResyncCron, "resync-cron", "", "cron expression for periodic status resync (default every 5 minutes)")
}

var allKinds = []chatsync.EventKind{
	chatsync.EventNewMessage,
	chatsync.EventMessageUpdate,
	chatsync.EventMessageDelete,
	chatsync.EventReactionUpdate,
	chatsync.EventReadReceipt,
	chatsync.EventDeliveryReceipt,
	chatsync.EventTyping,
	chatsync.EventPresence,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the server and print real-time events",
	Long:  "Connect the real-time socket, optionally open a conversation, and print every normalized event until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		metrics, err := chatsync.NewMetrics(reg)
		if err != nil {
			return err
		}

		rt, err := openRuntime(chatsync.WithMetrics(metrics), chatsync.WithNetworkMonitor(chatsync.NewNetworkMonitor(false)))
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: listenMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					rt.log.Error("metrics_server_failed", zap.Error(err))
				}
			}()
			defer srv.Close()
			rt.log.Info("metrics_server_started", zap.String("addr", listenMetricsAddr))
		}

		socket := chatsync.NewSocket(rt.client.BaseURL(), chatsync.SocketConfig{
			Token:         rt.session.Token,
			AutoReconnect: true,
			Logger:        rt.log,
		})
		socket.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("reconnecting (attempt %d, in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		rt.engine.AttachSocket(socket)

		for _, kind := range allKinds {
			rt.engine.Bus().Subscribe(kind, "", printEvent)
		}

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = socket.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		defer socket.Disconnect()
		// The engine only learns the socket is up through the connected
		// callback; make sure it is online before mounting.
		rt.engine.Network().SetOnline(true)

		if listenChannel != "" {
			conv, err := rt.engine.Open(ctx, listenChannel)
			if err != nil {
				return err
			}
			defer conv.Close()
			fmt.Printf("following %s (%d messages)\n", listenChannel, len(conv.Messages()))
		}

		sched, err := chatsync.NewResyncScheduler(rt.engine, listenResyncCron)
		if err != nil {
			return err
		}
		go sched.Run(ctx)

		<-ctx.Done()
		fmt.Println("stopping")
		return nil
	},
}

func printEvent(ev chatsync.Event) {
	ts := ev.At.Local().Format("15:04:05")
	switch p := ev.Payload.(type) {
	case chatsync.NewMessagePayload:
		fmt.Printf("%s [%s] %s: %s\n", ts, ev.ChannelID, valueOrDefault(p.Message.SenderName, p.Message.SenderID), p.Message.Content)
	case chatsync.MessageUpdatePayload:
		fmt.Printf("%s [%s] edited %s: %s\n", ts, ev.ChannelID, p.MessageID, p.Content)
	case chatsync.MessageDeletePayload:
		fmt.Printf("%s [%s] deleted %s\n", ts, ev.ChannelID, p.MessageID)
	case chatsync.ReactionPayload:
		verb := "removed"
		if p.Added {
			verb = "added"
		}
		fmt.Printf("%s [%s] %s %s %s on %s\n", ts, ev.ChannelID, p.UserID, verb, p.Emoji, p.MessageID)
	case chatsync.ReceiptPayload:
		fmt.Printf("%s [%s] %s by %s: %v\n", ts, ev.ChannelID, p.Status, ev.ActorID, p.MessageIDs)
	case chatsync.TypingPayload:
		if p.IsTyping {
			fmt.Printf("%s [%s] %s is typing\n", ts, ev.ChannelID, p.UserID)
		}
	case chatsync.PresencePayload:
		fmt.Printf("%s %s is %s\n", ts, p.UserID, p.Status)
	default:
		fmt.Printf("%s %s\n", ts, ev.Kind)
	}
}
