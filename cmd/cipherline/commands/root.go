package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cipherline/internal/app"
	"cipherline/internal/domain"
)

var (
	home       string
	passphrase string
	relayURL   string
	logLevel   string

	cfg  app.Config
	wire *app.Wire
	log  *slog.Logger
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "cipherline",
		Short:        "End-to-end encrypted chat CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".cipherline")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			v := viper.New()
			if relayURL != "" {
				v.Set("relay.url", relayURL)
			}
			if logLevel != "" {
				v.Set("log.level", logLevel)
			}
			var err error
			if cfg, err = app.LoadConfig(home, v); err != nil {
				return err
			}
			log = app.NewLogger(cfg.LogLevel, cfg.LogFormat)
			wire, err = app.NewWire(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			return wire.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.cipherline)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase to protect keys")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		registerCmd(),
		loginCmd(),
		logoutCmd(),
		publishCmd(),
		startSessionCmd(),
		sendCmd(),
		listenCmd(),
	)
	return root.Execute()
}

func requirePassphrase() error {
	if passphrase == "" {
		return errors.New("passphrase required (-p)")
	}
	return nil
}

// openApp builds the app on top of the wire.
func openApp(opts ...app.Option) (*app.App, error) {
	if err := requirePassphrase(); err != nil {
		return nil, err
	}
	return app.New(cfg, wire, passphrase, append([]app.Option{app.WithLogger(log)}, opts...)...)
}

// restoredApp is openApp plus the persisted session.
func restoredApp(opts ...app.Option) (*app.App, domain.Session, error) {
	a, err := openApp(opts...)
	if err != nil {
		return nil, domain.Session{}, err
	}
	sess, ok, err := a.Restore()
	if err == nil && !ok {
		err = fmt.Errorf("%w: not logged in, run login first", domain.ErrUnauthenticated)
	}
	if err != nil {
		_ = a.Close()
		return nil, domain.Session{}, err
	}
	return a, sess, nil
}
