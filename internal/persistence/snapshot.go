package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads full-state snapshots. On warm restart the
// engine loads the latest snapshot and replays events from its sequence
// forward instead of replaying the whole log.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable full engine state at one sequence.
type SnapshotData struct {
	Sequence        int64                 `json:"sequence"`
	Block           uint64                `json:"block"`
	Pairs           []PairSnapshot        `json:"pairs"`
	Groups          []GroupSnapshot       `json:"groups"`
	InitialFees     []InitialFeeSnapshot  `json:"initial_fees"`
	IdempotencyKeys []string              `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time             `json:"created_at"`
}

// PairSnapshot is a serializable pair, transition log included.
type PairSnapshot struct {
	PairIndex           uint32                `json:"pair_index"`
	FeePerBlock         uint64                `json:"fee_per_block"`
	FeeExponent         uint64                `json:"fee_exponent"`
	MaxOi               uint64                `json:"max_oi"`
	AccFeeLong          uint64                `json:"acc_fee_long"`
	AccFeeShort         uint64                `json:"acc_fee_short"`
	AccLastUpdatedBlock uint64                `json:"acc_last_updated_block"`
	Transitions         []TransitionSnapshot  `json:"transitions"`
}

// TransitionSnapshot is one serializable transition-log entry.
type TransitionSnapshot struct {
	GroupIndex           uint32 `json:"group_index"`
	Block                uint64 `json:"block"`
	InitialAccFeeLong    uint64 `json:"initial_acc_fee_long"`
	InitialAccFeeShort   uint64 `json:"initial_acc_fee_short"`
	PrevGroupAccFeeLong  uint64 `json:"prev_group_acc_fee_long"`
	PrevGroupAccFeeShort uint64 `json:"prev_group_acc_fee_short"`
	PairAccFeeLong       uint64 `json:"pair_acc_fee_long"`
	PairAccFeeShort      uint64 `json:"pair_acc_fee_short"`
}

// GroupSnapshot is a serializable group.
type GroupSnapshot struct {
	GroupIndex          uint32 `json:"group_index"`
	FeePerBlock         uint64 `json:"fee_per_block"`
	MaxOi               uint64 `json:"max_oi"`
	FeeExponent         uint64 `json:"fee_exponent"`
	AccFeeLong          uint64 `json:"acc_fee_long"`
	AccFeeShort         uint64 `json:"acc_fee_short"`
	AccLastUpdatedBlock uint64 `json:"acc_last_updated_block"`
	OiLong              uint64 `json:"oi_long"`
	OiShort             uint64 `json:"oi_short"`
}

// InitialFeeSnapshot is one trade's serializable open-time snapshot.
type InitialFeeSnapshot struct {
	Trader      string `json:"trader"`
	PairIndex   uint32 `json:"pair_index"`
	TradeIndex  uint32 `json:"trade_index"`
	AccPairFee  uint64 `json:"acc_pair_fee"`
	AccGroupFee uint64 `json:"acc_group_fee"`
	Block       uint64 `json:"block"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, one row per sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO borrow.snapshots
			(snapshot_id, sequence, block, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET
			block = EXCLUDED.block,
			data = EXCLUDED.data,
			size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), snap.Sequence, int64(snap.Block), data, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the newest snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM borrow.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// PruneSnapshots deletes all but the newest keep snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM borrow.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM borrow.snapshots
			ORDER BY sequence DESC
			LIMIT $1
		)
	`, keep)
	return err
}
