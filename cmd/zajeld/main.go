// zajeld is the Zajel signaling server daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "zajeld",
		Short:         "Federated signaling server for the Zajel messenger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("configuration rejected")
				return err
			}
			srv, err := server.New(cfg, clockwork.NewRealClock(), log)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("server exited")
				return err
			}
			return nil
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	root.AddCommand(newKeygenCmd())
	return root
}

// newKeygenCmd pre-provisions an identity key file so operators can pin
// a serverId before first boot.
func newKeygenCmd() *cobra.Command {
	var (
		out    string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 server identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("refusing to overwrite existing key file %s", out)
			}
			id, err := identity.Generate(prefix)
			if err != nil {
				return err
			}
			if err := id.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serverId: %s\nnodeId:   %s\nkey file: %s\n",
				id.ServerID, id.NodeID, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data/identity.json", "where to write the key file")
	cmd.Flags().StringVar(&prefix, "prefix", "zajel", "ephemeral id prefix")
	return cmd
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}
