// Command woodstock-agent runs the client backup agent: it walks
// configured shares on request and serves the four backup RPCs to
// whichever server backup driver connects.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"woodstock/internal/clientagent"
	"woodstock/internal/clientconfig"
	"woodstock/internal/logging"
	"woodstock/internal/manifest"
	"woodstock/internal/protocol/connectrpc"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "woodstock-agent",
		Short: "Client backup agent",
	}

	var hostDir, name, addr, configDir string
	var shares []string
	var includes, excludes []string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the backup protocol over h2c",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return runServe(ctx, logger, hostDir, name, addr, configDir, shares, includes, excludes)
		},
	}
	serveCmd.Flags().StringVar(&hostDir, "host-dir", "", "directory holding this host's manifest set and lock file")
	serveCmd.Flags().StringVar(&name, "name", "", "manifest set name (conventionally the host name)")
	serveCmd.Flags().StringVar(&addr, "addr", ":7070", "listen address")
	serveCmd.Flags().StringVar(&configDir, "config-dir", "", "directory holding the persisted client identity (default $HOME/.woodstock)")
	serveCmd.Flags().StringArrayVar(&shares, "share", nil, "share root to walk (repeatable)")
	serveCmd.Flags().StringArrayVar(&includes, "include", nil, "glob include pattern applied to every share (repeatable)")
	serveCmd.Flags().StringArrayVar(&excludes, "exclude", nil, "glob exclude pattern applied to every share (repeatable)")
	_ = serveCmd.MarkFlagRequired("host-dir")
	_ = serveCmd.MarkFlagRequired("name")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, logger *slog.Logger, hostDir, name, addr, configDir string, shares, includes, excludes []string) error {
	var shareConfigs []manifest.ShareConfig
	for _, s := range shares {
		shareConfigs = append(shareConfigs, manifest.ShareConfig{Path: s, Includes: includes, Excludes: excludes})
	}

	// An empty configDir resolves to clientconfig.New("").IsZero(), which
	// clientagent.New falls back to clientconfig.Default() for.
	agent, err := clientagent.New(clientagent.Config{
		HostDir:   hostDir,
		Name:      name,
		ConfigDir: clientconfig.New(configDir),
		Tasks:     []clientagent.Task{{Shares: shareConfigs}},
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	handler := connectrpc.NewHandler(agent)
	srv := connectrpc.NewH2CServer(addr, handler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("agent listening", "addr", addr, "host", name)

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
