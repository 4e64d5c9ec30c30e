// Command zero-cache is the outer process entrypoint for the sync
// engine: a dispatcher, a pool of syncer workers, and a singleton
// replication-manager, supervised by internal/procman. Grounded on
// cmd/qntx/main.go's cobra root-command shape (PersistentPreRunE
// logger init, a small set of subcommands) generalized from QNTX's
// single-process CLI to this spec's multi-role worker binary: the
// same binary re-execs itself with a role subcommand to become
// whichever process internal/procman forked it as.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/logging"
)

var (
	flagJSONLogs  bool
	flagDBPath    string
	flagAddr      string
	flagWorkers   int
	flagCtrlDir   string

	logger *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "zero-cache",
	Short: "zero-cache sync engine: dispatcher, syncer workers, and replication manager",
	Long: `zero-cache sits between an upstream database and many connected
clients, maintaining a local replica and streaming incrementally
maintained query results to each client over WebSocket.

The "run" subcommand forks the full process tree (one dispatcher, N
syncer workers, one replication manager) and supervises them. The
individual "dispatcher", "syncer-worker", and
"replication-manager" subcommands run a single role in the current
process and are normally only invoked by the supervisor itself.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(flagJSONLogs)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "replica-path", "zero.db", "path to the local replica SQLite file")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", ":4848", "public address the dispatcher listens on")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "syncer-workers", 4, "number of syncer worker processes")
	rootCmd.PersistentFlags().StringVar(&flagCtrlDir, "control-dir", defaultControlDir(), "directory holding the Unix control sockets used for WebSocket handoff")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(syncerWorkerCmd)
	rootCmd.AddCommand(replicationManagerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultControlDir() string {
	return filepath.Join(os.TempDir(), "zero-cache")
}

// syncerSocketPath is the deterministic control-socket path for the
// syncer worker at index, shared by the dispatcher (which dials every
// configured worker) and each syncer-worker process (which listens on
// its own index's path, derived from ZERO_CACHE_WORKER_INDEX).
func syncerSocketPath(controlDir string, index int) string {
	return filepath.Join(controlDir, fmt.Sprintf("syncer-%d.sock", index))
}

// replicationManagerSocketPath is the control-socket path reserved for
// the replication-manager. Nothing in this binary calls it, and the
// replication-manager does not listen on a control socket.
func replicationManagerSocketPath(controlDir string) string {
	return filepath.Join(controlDir, "replication-manager.sock")
}
