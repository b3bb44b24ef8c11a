// Package syncstream implements the Sync Stream Orchestrator (spec §4.7,
// Component G): the per-connection main loop that turns checkpoint
// updates into ordered, priority-grouped, backpressure-aware frames.
package syncstream

import (
	"context"
	"errors"
	"time"

	"github.com/powersync/sync-service/internal/checkpoint"
	"github.com/powersync/sync-service/internal/config"
	"github.com/powersync/sync-service/internal/connstate"
	"github.com/powersync/sync-service/internal/storage"
	"github.com/powersync/sync-service/internal/wire"
	"github.com/powersync/sync-service/powersync"
)

// Sender pushes one encoded frame to the client transport (HTTP chunked
// JSON or a length-prefixed WebSocket frame; internal/api owns the
// concrete transport).
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Session is one client's live sync stream.
type Session struct {
	GroupID     string
	Store       storage.SyncDataStore
	Checkpoints *checkpoint.Subscription
	State       *connstate.State
	Sem         *Semaphore
	Cfg         config.SyncConfig
	Flavor      wire.Flavor
	Send        Sender
	TokenExpiry time.Time
	Logger      powersync.Logger

	pending *storage.CheckpointUpdate // a checkpoint the preemption peek already consumed
}

// ErrTokenExpired is returned by Run when the connection is terminated
// because the JWT expired (spec §4.7 "terminates the connection at
// expiry without error"); callers should close the transport cleanly,
// not report it as a stream error.
var ErrTokenExpired = errors.New("syncstream: token expired")

// Run executes the main loop of spec §4.7 until ctx is canceled or the
// token expires.
func (s *Session) Run(ctx context.Context) error {
	expiryCtx, cancelExpiry := context.WithCancel(ctx)
	defer cancelExpiry()
	go s.watchExpiry(expiryCtx, cancelExpiry)

	for {
		var update storage.CheckpointUpdate
		if s.pending != nil {
			update = *s.pending
			s.pending = nil
		} else {
			u, ok, err := s.Checkpoints.Next(expiryCtx)
			if err != nil {
				if expiryCtx.Err() != nil && ctx.Err() == nil {
					return ErrTokenExpired
				}
				return err
			}
			if !ok {
				return nil
			}
			update = u
		}

		if err := s.runCheckpointCycle(expiryCtx, update); err != nil {
			if errors.Is(err, context.Canceled) && expiryCtx.Err() != nil && ctx.Err() == nil {
				return ErrTokenExpired
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Cfg.YieldInterval):
		}
	}
}

func (s *Session) watchExpiry(ctx context.Context, cancel context.CancelFunc) {
	if s.TokenExpiry.IsZero() {
		return
	}
	skew := s.Cfg.TokenExpirySkew
	d := time.Until(s.TokenExpiry.Add(-skew))
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		cancel()
	}
}

// runCheckpointCycle implements one iteration of the outer `for each
// upstream checkpoint update U` loop.
func (s *Session) runCheckpointCycle(ctx context.Context, update storage.CheckpointUpdate) error {
	var writeCheckpoint *powersync.OpID
	if wc, err := s.Store.GetWriteCheckpoint(ctx, s.GroupID, "", ""); err == nil && wc != nil {
		writeCheckpoint = &wc.Checkpoint
	}

	line, toFetch, err := s.State.BuildNextCheckpointLine(ctx, update, writeCheckpoint)
	if err != nil {
		return err
	}
	if line == nil {
		return nil
	}

	if err := s.emitCheckpointLine(ctx, line); err != nil {
		return err
	}

	groups := groupByPriority(toFetch, line)

	batchCtx, abortBatch := context.WithCancel(ctx)
	defer abortBatch()

	syncedOps := 0
	preempted := false
	anyInvalidated := false
	for i, g := range groups {
		if batchCtx.Err() != nil {
			break
		}
		n, checkpointInvalidated, err := s.bucketData(batchCtx, update.Checkpoint, g.priority, g.buckets)
		if err != nil {
			return err
		}
		syncedOps += n
		if checkpointInvalidated {
			anyInvalidated = true
		}

		if i == 0 && syncedOps >= s.Cfg.PreemptionOpThreshold {
			if s.racePreemption(ctx, abortBatch) {
				preempted = true
			}
		}

		if !checkpointInvalidated && g.priority != powersync.PriorityLowest {
			frame, err := wire.PartialCheckpointCompleteFrame(update.Checkpoint, g.priority)
			if err != nil {
				return err
			}
			if err := s.Send.Send(ctx, frame); err != nil {
				return err
			}
		}
		if preempted {
			break
		}
	}

	// An invalidated checkpoint is already stale by the time the batch
	// finishes fetching; the next checkpoint line supersedes it, so no
	// checkpoint_complete is emitted for this one (spec §4.7).
	if batchCtx.Err() == nil && !anyInvalidated {
		frame, err := wire.CheckpointCompleteFrame(update.Checkpoint)
		if err != nil {
			return err
		}
		return s.Send.Send(ctx, frame)
	}
	return nil
}

// racePreemption peeks for a fresher checkpoint that arrived while
// fetching the completed priority group; if one is already waiting in
// the subscription's bounded mailbox, it buffers it and cancels
// abortBatch so the outer loop re-runs with a fresh line immediately
// instead of continuing the stale batch (spec §4.7, §5 "mid-checkpoint
// preemption").
func (s *Session) racePreemption(ctx context.Context, abortBatch context.CancelFunc) bool {
	update, ok := s.Checkpoints.TryNext(ctx)
	if !ok {
		return false
	}
	s.pending = &update
	abortBatch()
	return true
}

func (s *Session) emitCheckpointLine(ctx context.Context, line *connstate.Line) error {
	if line.IsFull {
		buckets := make([]wire.BucketChecksumWire, len(line.Buckets))
		for i, b := range line.Buckets {
			buckets[i] = wire.BucketChecksumWire{Bucket: b.Bucket, Checksum: b.Checksum, Count: b.Count, Priority: int(b.Priority)}
		}
		frame, err := wire.CheckpointFrame(line.LastOpID, line.WriteCheckpoint, buckets)
		if err != nil {
			return err
		}
		return s.Send.Send(ctx, frame)
	}
	updated := make([]wire.BucketChecksumWire, len(line.UpdatedBuckets))
	for i, b := range line.UpdatedBuckets {
		updated[i] = wire.BucketChecksumWire{Bucket: b.Bucket, Checksum: b.Checksum, Count: b.Count, Priority: int(b.Priority)}
	}
	frame, err := wire.CheckpointDiffFrame(line.LastOpID, line.WriteCheckpoint, updated, line.RemovedBuckets)
	if err != nil {
		return err
	}
	return s.Send.Send(ctx, frame)
}

type priorityGroup struct {
	priority powersync.Priority
	buckets  []string
}

// groupByPriority groups bucketsToFetch by priority, sorted high→low
// (numerically ascending, per spec §4.7: "0 = highest").
func groupByPriority(toFetch []string, line *connstate.Line) []priorityGroup {
	priorityOf := make(map[string]powersync.Priority, len(toFetch))
	for _, b := range line.Buckets {
		priorityOf[b.Bucket] = b.Priority
	}
	for _, b := range line.UpdatedBuckets {
		priorityOf[b.Bucket] = b.Priority
	}
	byPriority := make(map[powersync.Priority][]string)
	for _, b := range toFetch {
		p := priorityOf[b]
		byPriority[p] = append(byPriority[p], b)
	}
	groups := make([]priorityGroup, 0, len(byPriority))
	for p, bs := range byPriority {
		groups = append(groups, priorityGroup{priority: p, buckets: bs})
	}
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if groups[j].priority < groups[i].priority {
				groups[i], groups[j] = groups[j], groups[i]
			}
		}
	}
	return groups
}

// bucketData implements the `bucketData` inner loop (spec §4.7). It
// returns the number of ops sent and whether any chunk's targetOp
// invalidated this checkpoint.
func (s *Session) bucketData(ctx context.Context, checkpoint powersync.OpID, priority powersync.Priority, buckets []string) (int, bool, error) {
	release, err := s.Sem.Acquire(ctx, s.Cfg.SemaphoreTimeout)
	if err != nil {
		return 0, false, err
	}
	defer release()

	synced := 0
	invalidated := false
	pending := buckets

	for len(pending) > 0 {
		if ctx.Err() != nil {
			return synced, invalidated, nil
		}

		positions := make([]storage.BucketPosition, len(pending))
		for i, b := range pending {
			positions[i] = storage.BucketPosition{Bucket: b, After: s.State.Position(b)}
		}

		chunks, err := s.Store.GetBucketDataBatch(ctx, s.GroupID, checkpoint, positions, 0)
		if err != nil {
			return synced, invalidated, err
		}

		var next []string
		for _, chunk := range chunks {
			if chunk.TargetOp != 0 && chunk.TargetOp > checkpoint {
				invalidated = true
			}

			ops := make([]wire.DataOp, len(chunk.Data))
			for i, op := range chunk.Data {
				ops[i] = wire.DataOp{OpID: op.OpID, Op: op.Op, ObjectID: op.RowID, Checksum: op.Checksum, Data: op.Data}
			}
			frame, err := wire.DataFrame(s.Flavor, chunk.Bucket, s.State.Position(chunk.Bucket), chunk.NextAfter, chunk.HasMore, ops)
			if err != nil {
				return synced, invalidated, err
			}
			if err := s.Send.Send(ctx, frame); err != nil {
				return synced, invalidated, err
			}
			if len(frame) >= s.Cfg.LargeFrameBytes {
				if err := s.Send.Send(ctx, wire.FlushHintFrame()); err != nil {
					return synced, invalidated, err
				}
			}

			s.State.UpdateBucketPosition(chunk.Bucket, chunk.NextAfter, chunk.HasMore)
			synced += len(chunk.Data)

			if chunk.HasMore {
				next = append(next, chunk.Bucket)
			}

			if ctx.Err() != nil {
				return synced, invalidated, nil
			}
		}
		pending = next
	}
	return synced, invalidated, nil
}
