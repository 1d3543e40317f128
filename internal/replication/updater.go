package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osc"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/store"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

// Result describes one applied diff.
type Result struct {
	State   State
	Changes osc.Stats
	Store   store.Stats
}

// Updater applies consecutive diffs to one store held by a worker.
type Updater struct {
	fetcher *Fetcher
	w       *worker.Worker
	// From is used when the store header carries no replication sequence.
	From int64
	log  *zap.Logger
}

// NewUpdater creates an updater for the stores of w.
func NewUpdater(fetcher *Fetcher, w *worker.Worker) *Updater {
	return &Updater{fetcher: fetcher, w: w, log: logger.Named("replication")}
}

// Position returns the replication state of the store.
func (u *Updater) Position(ctx context.Context, storeID string) (State, error) {
	st, err := u.w.Get(ctx, storeID)
	if err != nil {
		return State{}, err
	}
	if state, ok := StateOf(st.Header()); ok {
		return state, nil
	}
	if u.From > 0 {
		return State{SequenceNumber: u.From}, nil
	}
	return State{}, fmt.Errorf("store %s has no replication sequence; set a start sequence", storeID)
}

// Step applies the diff following the store's position. It returns false
// when the source has not published that sequence yet.
func (u *Updater) Step(ctx context.Context, storeID string) (Result, bool, error) {
	pos, err := u.Position(ctx, storeID)
	if err != nil {
		return Result{}, false, err
	}
	next := pos.SequenceNumber + 1

	nextState, err := u.fetcher.SequenceState(ctx, next)
	if errors.Is(err, osmerr.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	diff, err := u.fetcher.Diff(ctx, next)
	if err != nil {
		return Result{}, false, err
	}

	if err := u.w.OpenChangeset(ctx, storeID); err != nil {
		return Result{}, false, err
	}
	res := Result{State: *nextState}
	err = u.w.WithChangeset(ctx, "replication", storeID, func(ctx context.Context, cs *changeset.Changeset, _ *worker.Stores) error {
		// Extracts see deletes of entities they never held.
		stats, err := osc.Import(ctx, cs, bytes.NewReader(diff), osc.ImportOptions{SkipMissingDeletes: true})
		if err != nil {
			return err
		}
		res.Changes = stats
		cs.SetHeader(nextState.ApplyTo(cs.Header()))
		return nil
	})
	if err != nil {
		if derr := u.w.DiscardChangeset(ctx, storeID); derr != nil {
			u.log.Warn("Failed to discard changeset", zap.Error(derr))
		}
		return Result{}, false, fmt.Errorf("sequence %d: %w", next, err)
	}

	if res.Store, err = u.w.ApplyChanges(ctx, storeID); err != nil {
		if derr := u.w.DiscardChangeset(ctx, storeID); derr != nil {
			u.log.Warn("Failed to discard changeset", zap.Error(derr))
		}
		return Result{}, false, fmt.Errorf("sequence %d: %w", next, err)
	}

	u.log.Info("Applied replication diff",
		zap.String("store", storeID),
		zap.Int64("sequence", next),
		zap.Time("timestamp", nextState.Timestamp),
		zap.Int64("changes", res.Changes.Total()),
		zap.Int64("skipped", res.Changes.Skipped))
	return res, true, nil
}

// Run applies up to maxSteps diffs (all available when maxSteps <= 0) and
// stops early once the store is current.
func (u *Updater) Run(ctx context.Context, storeID string, maxSteps int) ([]Result, error) {
	var results []Result
	for maxSteps <= 0 || len(results) < maxSteps {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("%w: %v", osmerr.ErrCancelled, err)
		}
		res, applied, err := u.Step(ctx, storeID)
		if err != nil {
			return results, err
		}
		if !applied {
			break
		}
		results = append(results, res)
	}
	return results, nil
}
