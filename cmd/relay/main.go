package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cipherline/internal/app"
	"cipherline/internal/domain"
	"cipherline/internal/relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	var configFile string
	var seed []string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "In-memory development relay for cipherline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file: %w", err)
				}
			}
			log := app.NewLogger(v.GetString("log.level"), v.GetString("log.format"))

			srv := relay.NewServer(
				relay.WithServerLogger(log),
				relay.WithTokenTTL(v.GetDuration("token_ttl")),
			)
			for _, s := range seed {
				id, secret, ok := strings.Cut(s, ":")
				if !ok || id == "" || secret == "" {
					return fmt.Errorf("--principal %q: want id:secret", s)
				}
				if err := srv.AddPrincipal(domain.PrincipalID(id), domain.PrincipalUser, secret); err != nil {
					return fmt.Errorf("seed %s: %w", id, err)
				}
			}

			hs := &http.Server{
				Addr:              v.GetString("addr"),
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- hs.ListenAndServe() }()
			log.Info("relay.listening", "addr", hs.Addr)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("relay.stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "optional TOML config file")
	f.String("addr", ":8080", "listen address")
	f.Duration("token-ttl", 24*time.Hour, "lifetime of issued tokens (0 never expires)")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "text", "text or json")
	f.StringArrayVar(&seed, "principal", nil, "create a principal at startup, as id:secret (repeatable)")

	_ = v.BindPFlag("addr", f.Lookup("addr"))
	_ = v.BindPFlag("token_ttl", f.Lookup("token-ttl"))
	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
	_ = v.BindPFlag("log.format", f.Lookup("log-format"))
	return cmd
}
