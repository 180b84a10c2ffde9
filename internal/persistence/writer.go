package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// StateWriter writes the engine's outputs to Postgres using multi-row
// statements. Events and transition-log entries are append-only; pairs,
// groups, and initial fee snapshots are upserted to their latest value.
// Multi-row INSERT keeps the writer portable; switch to pgx CopyFrom if the
// event log ever becomes the bottleneck.
type StateWriter struct {
	db *sql.DB
}

// EventRow is a row in borrow.events, the append-only event log.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Block          int64
	Payload        []byte // JSON-encoded event payload
	Timestamp      time.Time
}

// PairRow is the latest state of one pair in borrow.pairs.
type PairRow struct {
	PairIndex           int64
	GroupIndex          int64
	FeePerBlock         int64
	FeeExponent         int64
	MaxOi               int64
	AccFeeLong          int64
	AccFeeShort         int64
	AccLastUpdatedBlock int64
}

// GroupRow is the latest state of one group in borrow.groups.
type GroupRow struct {
	GroupIndex          int64
	FeePerBlock         int64
	MaxOi               int64
	FeeExponent         int64
	AccFeeLong          int64
	AccFeeShort         int64
	AccLastUpdatedBlock int64
	OiLong              int64
	OiShort             int64
}

// PairGroupRow is one appended transition-log entry in borrow.pair_groups.
type PairGroupRow struct {
	PairIndex            int64
	GroupIndex           int64
	Block                int64
	InitialAccFeeLong    int64
	InitialAccFeeShort   int64
	PrevGroupAccFeeLong  int64
	PrevGroupAccFeeShort int64
	PairAccFeeLong       int64
	PairAccFeeShort      int64
}

// InitialFeeRow is one trade's open-time snapshot in borrow.initial_acc_fees.
type InitialFeeRow struct {
	Trader      string
	PairIndex   int64
	TradeIndex  int64
	AccPairFee  int64
	AccGroupFee int64
	Block       int64
}

func NewStateWriter(db *sql.DB) *StateWriter {
	return &StateWriter{db: db}
}

func (w *StateWriter) DB() *sql.DB { return w.db }

// WriteEventBatch appends events. Conflicting sequences are dropped so
// replayed flushes stay idempotent.
func (w *StateWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO borrow.events
		(sequence, event_type, idempotency_key, block, payload, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*6)
	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, e.Sequence, e.EventType, e.IdempotencyKey, e.Block, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WritePairBatch upserts the latest pair states.
func (w *StateWriter) WritePairBatch(ctx context.Context, tx *sql.Tx, pairs []PairRow) error {
	if len(pairs) == 0 {
		return nil
	}

	query := `INSERT INTO borrow.pairs
		(pair_index, group_index, fee_per_block, fee_exponent, max_oi,
		 acc_fee_long, acc_fee_short, acc_last_updated_block)
		VALUES `

	values := make([]string, 0, len(pairs))
	args := make([]any, 0, len(pairs)*8)
	for i, p := range pairs {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			p.PairIndex, p.GroupIndex, p.FeePerBlock, p.FeeExponent, p.MaxOi,
			p.AccFeeLong, p.AccFeeShort, p.AccLastUpdatedBlock,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (pair_index) DO UPDATE SET
		group_index = EXCLUDED.group_index,
		fee_per_block = EXCLUDED.fee_per_block,
		fee_exponent = EXCLUDED.fee_exponent,
		max_oi = EXCLUDED.max_oi,
		acc_fee_long = EXCLUDED.acc_fee_long,
		acc_fee_short = EXCLUDED.acc_fee_short,
		acc_last_updated_block = EXCLUDED.acc_last_updated_block`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteGroupBatch upserts the latest group states.
func (w *StateWriter) WriteGroupBatch(ctx context.Context, tx *sql.Tx, groups []GroupRow) error {
	if len(groups) == 0 {
		return nil
	}

	query := `INSERT INTO borrow.groups
		(group_index, fee_per_block, max_oi, fee_exponent,
		 acc_fee_long, acc_fee_short, acc_last_updated_block, oi_long, oi_short)
		VALUES `

	values := make([]string, 0, len(groups))
	args := make([]any, 0, len(groups)*9)
	for i, g := range groups {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			g.GroupIndex, g.FeePerBlock, g.MaxOi, g.FeeExponent,
			g.AccFeeLong, g.AccFeeShort, g.AccLastUpdatedBlock, g.OiLong, g.OiShort,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (group_index) DO UPDATE SET
		fee_per_block = EXCLUDED.fee_per_block,
		max_oi = EXCLUDED.max_oi,
		fee_exponent = EXCLUDED.fee_exponent,
		acc_fee_long = EXCLUDED.acc_fee_long,
		acc_fee_short = EXCLUDED.acc_fee_short,
		acc_last_updated_block = EXCLUDED.acc_last_updated_block,
		oi_long = EXCLUDED.oi_long,
		oi_short = EXCLUDED.oi_short`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WritePairGroupBatch appends transition-log entries. The log is append-only;
// (pair_index, block) collisions come only from replayed flushes.
func (w *StateWriter) WritePairGroupBatch(ctx context.Context, tx *sql.Tx, entries []PairGroupRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO borrow.pair_groups
		(pair_index, group_index, block,
		 initial_acc_fee_long, initial_acc_fee_short,
		 prev_group_acc_fee_long, prev_group_acc_fee_short,
		 pair_acc_fee_long, pair_acc_fee_short)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*9)
	for i, e := range entries {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.PairIndex, e.GroupIndex, e.Block,
			e.InitialAccFeeLong, e.InitialAccFeeShort,
			e.PrevGroupAccFeeLong, e.PrevGroupAccFeeShort,
			e.PairAccFeeLong, e.PairAccFeeShort,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (pair_index, block) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteInitialFeeBatch upserts open-time fee snapshots.
func (w *StateWriter) WriteInitialFeeBatch(ctx context.Context, tx *sql.Tx, fees []InitialFeeRow) error {
	if len(fees) == 0 {
		return nil
	}

	query := `INSERT INTO borrow.initial_acc_fees
		(trader, pair_index, trade_index, acc_pair_fee, acc_group_fee, block)
		VALUES `

	values := make([]string, 0, len(fees))
	args := make([]any, 0, len(fees)*6)
	for i, f := range fees {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, f.Trader, f.PairIndex, f.TradeIndex, f.AccPairFee, f.AccGroupFee, f.Block)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (trader, pair_index, trade_index) DO UPDATE SET
		acc_pair_fee = EXCLUDED.acc_pair_fee,
		acc_group_fee = EXCLUDED.acc_group_fee,
		block = EXCLUDED.block`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// EventsAfter returns logged events past the given sequence in order, for
// replay after a snapshot restore.
func (w *StateWriter) EventsAfter(ctx context.Context, sequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, block, payload, created_at
		FROM borrow.events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("events after %d: %w", sequence, err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Block, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentIdempotencyKeys returns the composite dedup keys of the newest
// events, for LRU warming on restart.
func (w *StateWriter) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM borrow.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent idempotency keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}
