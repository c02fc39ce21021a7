package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/tickgraph/internal/core/system"
)

// FrameRecord is one row of frame_stats.
type FrameRecord struct {
	Frame   uint64
	Delta   time.Duration
	Resolve time.Duration
	Phases  [system.PhaseCount]time.Duration
	Err     string
}

func frameRecord(st system.FrameStats) FrameRecord {
	r := FrameRecord{
		Frame:   st.Frame,
		Delta:   st.DeltaTime,
		Resolve: st.Resolve,
		Phases:  st.Phases,
	}
	if st.Err != nil {
		r.Err = st.Err.Error()
	}
	return r
}

type FrameRepo struct {
	db *DB
}

func NewFrameRepo(db *DB) *FrameRepo {
	return &FrameRepo{db: db}
}

// WriteFrames inserts a batch of frame rows for runID in a single transaction.
func (r *FrameRepo) WriteFrames(ctx context.Context, runID string, frames []FrameRecord) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("frames begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, f := range frames {
		phases := make([]int64, len(f.Phases))
		for i, d := range f.Phases {
			phases[i] = d.Microseconds()
		}
		var errText *string
		if f.Err != "" {
			errText = &f.Err
		}
		batch.Queue(
			`INSERT INTO frame_stats (run_id, frame, delta_us, resolve_us, phase_us, error)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (run_id, frame) DO NOTHING`,
			runID, int64(f.Frame), f.Delta.Microseconds(), f.Resolve.Microseconds(), phases, errText,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("frames insert: %w", err)
	}
	return tx.Commit(ctx)
}

type TopologyRepo struct {
	db *DB
}

func NewTopologyRepo(db *DB) *TopologyRepo {
	return &TopologyRepo{db: db}
}

// SaveTopology stores a level layout keyed by its fingerprint. A layout seen
// before only has its last_seen and seen_count bumped.
func (r *TopologyRepo) SaveTopology(ctx context.Context, topo system.Topology, nodes int) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO topology_snapshots (fingerprint, nodes, layout)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET last_seen = now(), seen_count = topology_snapshots.seen_count + 1`,
		int64(topo.Fingerprint), nodes, layoutDoc(topo),
	)
	if err != nil {
		return fmt.Errorf("save topology %016x: %w", topo.Fingerprint, err)
	}
	return nil
}

// layoutDoc keys the per-phase levels by phase name for the jsonb column.
func layoutDoc(topo system.Topology) map[string][][]string {
	doc := make(map[string][][]string, system.PhaseCount)
	for p := system.Phase(0); p < system.PhaseCount; p++ {
		levels := topo.Levels(p)
		if levels == nil {
			levels = [][]string{}
		}
		doc[p.String()] = levels
	}
	return doc
}
