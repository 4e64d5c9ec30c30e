package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zerocache/sync-engine/internal/backfill"
	"github.com/zerocache/sync-engine/internal/changestream"
	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/replica"
	"github.com/zerocache/sync-engine/internal/wire"
)

var replicationManagerCmd = &cobra.Command{
	Use:   "replication-manager",
	Short: "own the replica file and drive the change-stream multiplexer and backfill manager",
	Long: `The replication manager is the singleton writer of the local replica
(spec.md §3/§4.12). It owns the ChangeStreamMultiplexer and the
BackfillManager, seeding required backfills from the rows column_metadata
already records as pending. Feeding the multiplexer from the live
upstream logical-replication stream is the SQL-dialect change-source
reader spec.md §1 names as an out-of-scope external collaborator; this
process wires everything up to that seam and waits for it to be
supplied by a production deployment's reader.`,
	RunE: runReplicationManager,
}

func runReplicationManager(cmd *cobra.Command, args []string) error {
	rep, err := replica.Open(flagDBPath, logger)
	if err != nil {
		return serrors.Wrap(err, "replication-manager: open replica")
	}
	defer rep.Close()

	mx := changestream.New("", 256, logger)

	initial, err := pendingBackfills(rep.DB())
	if err != nil {
		return serrors.Wrap(err, "replication-manager: load pending backfills")
	}
	if len(initial) > 0 {
		logger.Infow("seeded pending backfills", "count", len(initial))
	}

	mgr := backfill.New(mx, unimplementedStreamer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rep.WatchReset(func() {
		logger.Warnw("replica reset externally; restart this process to re-migrate")
	}); err != nil {
		logger.Warnw("could not watch for replica reset", "error", err)
	}

	mgr.Run(ctx, "", initial)

	// Drain the downstream source so the multiplexer's bounded channel
	// never backs up; the real consumer (the view-syncer's replication
	// client) is the out-of-scope collaborator described above.
	go drainDownstream(ctx, mx)

	logger.Infow("replication manager running", "replica_path", flagDBPath)
	<-ctx.Done()
	logger.Infow("replication manager draining")
	return nil
}

// pendingBackfills queries the tables spec.md §6 names (column_metadata,
// tableMetadata, both under the _zero. prefix) for columns still
// awaiting a backfill, grouping them into BackfillRequests keyed by
// (schema, name) exactly as internal/backfill.Manager expects.
func pendingBackfills(db *sql.DB) ([]wire.BackfillRequest, error) {
	rows, err := db.Query(`SELECT "schema", "name", "column", "id", "backfill" FROM "_zero.column_metadata" WHERE "backfill" IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTable := make(map[wire.TableIdentity]map[string]wire.ColumnSpec)
	order := make([]wire.TableIdentity, 0)
	for rows.Next() {
		var schema, name, column, id, tag string
		if err := rows.Scan(&schema, &name, &column, &id, &tag); err != nil {
			return nil, err
		}
		key := wire.TableIdentity{Schema: schema, Name: name}
		cols, ok := byTable[key]
		if !ok {
			cols = make(map[string]wire.ColumnSpec)
			byTable[key] = cols
			order = append(order, key)
		}
		cols[column] = wire.ColumnSpec{ID: id, Backfill: &tag}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reqs := make([]wire.BackfillRequest, 0, len(order))
	for _, key := range order {
		meta, err := tableMetadata(db, key)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, wire.BackfillRequest{
			Table:   wire.Table{TableIdentity: key, Metadata: meta},
			Columns: byTable[key],
		})
	}
	return reqs, nil
}

func tableMetadata(db *sql.DB, key wire.TableIdentity) (*wire.TableMetadata, error) {
	var raw string
	err := db.QueryRow(`SELECT "metadata" FROM "_zero.tableMetadata" WHERE "schema" = ? AND "name" = ?`, key.Schema, key.Name).Scan(&raw)
	if err == sql.ErrNoRows {
		return &wire.TableMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	var meta wire.TableMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, serrors.Wrapf(err, "replication-manager: parse metadata for %s.%s", key.Schema, key.Name)
	}
	return &meta, nil
}

// unimplementedStreamer is the backfill.Streamer seam for the
// out-of-scope snapshot reader (spec.md §1). A production deployment
// replaces this with one that actually reads rows from the replica's
// snapshot of the named table.
func unimplementedStreamer(ctx context.Context, req wire.BackfillRequest, minWatermark string) (backfill.Stream, error) {
	return nil, serrors.Newf("replication-manager: no backfill streamer configured for %s.%s (out of scope of this build)", req.Table.Schema, req.Table.Name)
}

func drainDownstream(ctx context.Context, mx *changestream.Multiplexer) {
	src := mx.AsSource()
	for {
		_, ack, err := src.Next(ctx)
		if err != nil {
			return
		}
		if ack != nil {
			ack()
		}
	}
}
