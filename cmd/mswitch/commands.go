package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maxpert/mswitch/config"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/protocol"
	"github.com/maxpert/mswitch/server"
	"github.com/maxpert/mswitch/storage"
)

// loadConfig reads --config and applies the storage flag overrides shared
// by every command that touches the log.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		cfg.Storage.Path = f.Value.String()
	}
	if f := cmd.Flags().Lookup("backend"); f != nil && f.Changed {
		cfg.Storage.Backend = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Server.LogLevel = f.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "Operation log directory (overrides storage.path)")
	cmd.Flags().String("backend", "", "Operation log backend: file|pebble|sqlite|postgres|memory")
}

// toolLogger keeps offline commands quiet unless something goes wrong
func toolLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Recover from the operation log and run the switch",
		Aliases: []string{"run", "start"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			quiet, _ := cmd.Flags().GetBool("quiet")
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), banner, server.ServerVersion)
			}

			srv, err := server.NewServerBuilderWithConfig(cfg).Build()
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			defer func() { _ = srv.Log.Sync() }()

			srv.Log.Info("Starting mswitch",
				zap.String("version", server.ServerVersion),
				zap.String("backend", cfg.Storage.Backend),
				zap.String("path", cfg.Storage.Path),
				zap.Bool("metrics", cfg.Metrics.Enabled),
				zap.Bool("tracing", cfg.Tracing.Enabled))

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := srv.Run(ctx, path); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print the banner")
	return cmd
}

func newDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every record of the operation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := storage.NewLogFactory(cfg.Storage, nil, toolLogger()).Open()
			if err != nil {
				return err
			}
			defer log.Close()

			return dumpLog(cmd.Context(), log, cmd)
		},
	}
	addStorageFlags(cmd)
	return cmd
}

func dumpLog(ctx context.Context, log interfaces.OperationLog, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	count := 0
	err := log.Replay(ctx, func(pos interfaces.Position, record []byte) error {
		op, ok := storage.DecodeOperation(record)
		if !ok {
			return fmt.Errorf("record %d: undecodable (%d bytes)", pos, len(record))
		}
		count++
		if op.Kind == protocol.OpSend && op.Entry != nil {
			fmt.Fprintf(out, "%d\t%s\t%s\t%d bytes\n", pos, op, op.Entry.Origin, len(op.Entry.Message.Payload))
			return nil
		}
		fmt.Fprintf(out, "%d\t%s\n", pos, op)
		return nil
	})
	fmt.Fprintf(cmd.ErrOrStderr(), "%d records\n", count)
	return err
}

func newCompactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact <output-dir>",
		Short: "Write a compacted copy of the operation log",
		Long: "Replays the log and writes only the operations needed to rebuild the " +
			"same state into a new, empty log. Stop the server first and swap the directories afterwards. " +
				"Only directory backends (file, pebble, sqlite) can be compacted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			switch cfg.Storage.Backend {
			case storage.BackendPostgres, storage.BackendMemory:
				return fmt.Errorf("compact needs a backend that writes to a directory, not %s", cfg.Storage.Backend)
			}
			output := filepath.Clean(args[0])
			if output == filepath.Clean(cfg.Storage.Path) {
				return fmt.Errorf("output %s is the live log directory", output)
			}

			factory := storage.NewLogFactory(cfg.Storage, nil, toolLogger())
			src, err := factory.Open()
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := factory.OpenAt(cfg.Storage.Backend, output)
			if err != nil {
				return err
			}
			stats, err := storage.Compact(cmd.Context(), src, dst)
			if closeErr := dst.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("compaction failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "compacted %d records into %d (%d queues, %d entries, %d acked entries dropped)\n",
				stats.RecordsIn, stats.RecordsOut, stats.Queues, stats.Entries, stats.Acked)
			return nil
		},
	}
	addStorageFlags(cmd)
	return cmd
}

func newGenerateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config [file]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if len(args) == 0 {
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := cfg.Save(args[0]); err != nil {
				return fmt.Errorf("failed to generate config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Edit the file and start the switch with: mswitch serve --config %s\n", args[0])
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", server.ServerProduct, server.ServerVersion)
		},
	}
}
