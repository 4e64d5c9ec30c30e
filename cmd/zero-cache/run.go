package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/zerocache/sync-engine/internal/procman"
)

// runCmd is the default entrypoint: fork and supervise every role,
// per spec.md §2/§4.14. Grounded on server.go's graceful-drain signal
// handling, here delegated entirely to internal/procman.Manager.Run
// since supervising forked processes (rather than one in-process
// server) is procman's job, not main's.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "fork and supervise the dispatcher, syncer workers, and replication manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			binary = os.Args[0]
		}
		mgr := procman.New(procman.Config{
			BinaryPath: binary,
			ExtraArgs: []string{
				"--replica-path", flagDBPath,
				"--addr", flagAddr,
			},
			SyncerWorkers: flagWorkers,
			Logger:        logger,
		})
		return mgr.Run(context.Background())
	},
}
