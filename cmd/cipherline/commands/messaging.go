package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"cipherline/internal/app"
	"cipherline/internal/domain"
	"cipherline/internal/services/router"
)

const flushTimeout = 10 * time.Second

// startSessionCmd performs the handshake against a peer's published bundle
// and persists the conversation for future messaging.
func startSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-session <peer>",
		Short: "Establish a secure session with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := restoredApp()
			if err != nil {
				return err
			}
			defer a.Close()

			peer := domain.PrincipalID(args[0])
			conv, err := a.StartConversation(cmd.Context(), peer)
			if err != nil {
				return fmt.Errorf("starting session with %q: %w", peer, err)
			}
			c, _, err := a.Conversation(conv)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session ready with %s (%s)\n", peer, conv)
			if c.State.Degraded {
				fmt.Fprintln(out, "Warning: peer had no one-time pre-keys left; the session is degraded")
			}
			return nil
		},
	}
}

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := restoredApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			peer := domain.PrincipalID(args[0])
			conv, err := a.StartConversation(ctx, peer)
			if err != nil {
				return err
			}
			if err := a.Connect(ctx); err != nil {
				return err
			}
			receipt, err := a.Send(ctx, conv, []byte(args[1]))
			if err != nil {
				return err
			}
			if err := flush(ctx, a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent #%d (%s)\n", receipt.Counter, receipt.FrameID)
			return nil
		},
	}
}

// flush waits until the transport wrote every queued frame.
func flush(ctx context.Context, a *app.App) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for a.Pending() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d frames still queued", domain.ErrTransportFailure, a.Pending())
		case <-tick.C:
		}
	}
	return nil
}

// listen <peer>...: stay connected and print messages from the peers.
func listenCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "listen <peer>...",
		Short: "Stay connected and print decrypted messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []app.Option
			reg := prometheus.NewRegistry()
			if metricsAddr != "" {
				opts = append(opts, app.WithMetrics(reg))
			}
			a, sess, err := restoredApp(opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn("cli.metrics.serve", "err", err)
					}
				}()
				defer srv.Close()
			}

			out := cmd.OutOrStdout()
			for _, p := range args {
				conv := domain.DirectConversationID(sess.PrincipalID, domain.PrincipalID(p))
				if _, err := a.RegisterListener(conv, router.ListenerFunc(func(_ context.Context, m domain.Message) error {
					fmt.Fprintf(out, "[%s] %s\n", m.SenderID, m.Plaintext)
					return nil
				})); err != nil {
					return err
				}
			}

			states := a.States()
			if err := a.Connect(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Listening as %s, Ctrl-C to stop\n", sess.PrincipalID)

			for {
				select {
				case <-ctx.Done():
					return nil
				case ch := <-states:
					log.Info("cli.connection", "from", ch.From, "to", ch.To, "err", ch.Err)
					if ch.To == domain.Closed && errors.Is(ch.Err, domain.ErrUnauthenticated) {
						return fmt.Errorf("%w: log in again", ch.Err)
					}
				case e := <-a.Errors():
					fmt.Fprintf(cmd.ErrOrStderr(), "delivery failed: %v\n", e)
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve transport metrics on this address")
	return cmd
}
