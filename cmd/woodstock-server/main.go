// Command woodstock-server drives a single host backup against a
// running woodstock-agent: it connects over Connect RPC, pulls any
// chunk its pool doesn't already have, and persists the resulting
// manifest locally.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"

	"woodstock/internal/logging"
	"woodstock/internal/manifest"
	"woodstock/internal/pool"
	"woodstock/internal/protocol/connectrpc"
	"woodstock/internal/refcount"
	"woodstock/internal/serverdriver"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "woodstock-server",
		Short: "Server backup driver",
	}

	var agentAddr, dir, name, poolDir string
	var lastBackupID, newBackupID int32

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one backup generation against a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return runBackup(ctx, logger, agentAddr, dir, name, poolDir, lastBackupID, newBackupID)
		},
	}
	backupCmd.Flags().StringVar(&agentAddr, "agent-addr", "", "base URL of the client agent, e.g. http://host:7070")
	backupCmd.Flags().StringVar(&dir, "dir", "", "directory holding the server's local manifest set for this host")
	backupCmd.Flags().StringVar(&name, "name", "", "manifest set name (conventionally the host name)")
	backupCmd.Flags().StringVar(&poolDir, "pool-dir", "", "chunk pool directory shared across every host")
	backupCmd.Flags().Int32Var(&lastBackupID, "last-backup-id", -1, "last backup number this server has recorded for the host")
	backupCmd.Flags().Int32Var(&newBackupID, "new-backup-id", 0, "backup number to assign this run")
	for _, f := range []string{"agent-addr", "dir", "name", "pool-dir"} {
		_ = backupCmd.MarkFlagRequired(f)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(backupCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBackup(ctx context.Context, logger *slog.Logger, agentAddr, dir, name, poolDir string, lastBackupID, newBackupID int32) error {
	p, err := pool.New(pool.Config{Dir: poolDir})
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	rc := refcount.New()

	driver, err := serverdriver.New(serverdriver.Config{
		Dir:      dir,
		Name:     name,
		Pool:     p,
		RefCount: rc,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return net.Dial(network, addr)
			},
		},
		Timeout: 0,
	}
	agent := connectrpc.Dial(connect.HTTPClient(httpClient), agentAddr)

	start := time.Now()
	logger.Info("backup starting", "host", name, "agent", agentAddr, "backupID", newBackupID)
	if err := driver.BackupHost(ctx, agent, manifest.BackupConfiguration{}, lastBackupID, newBackupID); err != nil {
		return fmt.Errorf("backup host: %w", err)
	}
	logger.Info("backup finished", "host", name, "elapsed", time.Since(start))
	return nil
}
