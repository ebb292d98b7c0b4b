// Package verification implements the background data verification
// worker: for each indexed bundle carrying a trusted chain data root,
// stream the bundle's payload through the verifiable chunk path,
// recompute the Merkle data root, and on a match flip verified=true on
// the bundle and every descendant data item. A mismatch is counted and
// logged; the bundle is never purged automatically.
//
// Grounded on internal/merkle's BuildTree (the teacher's
// transaction/merkle.go tree construction, the same code the teacher
// used to produce data roots at upload time, now run in reverse as a
// check) and the attributes/bundles store façades.
package verification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/merkle"
)

// PayloadSource streams a bundle's payload bytes through a path whose
// integrity chains to the weave (the chunks source in production).
type PayloadSource interface {
	FetchPayload(ctx context.Context, id arid.ID) (io.ReadCloser, error)
}

// Worker runs verification passes.
type Worker struct {
	log     *zap.Logger
	store   bundles.Store
	attrs   attributes.Store
	payload PayloadSource

	// MaxRetries caps verification attempts per bundle.
	MaxRetries int
	// BatchSize bounds one pass.
	BatchSize int
	// Preferred reports whether a bundle is associated with a preferred
	// ArNS name, which moves it to the front of the pass.
	Preferred func(id arid.ID) bool

	// OnVerified, when set, fires once for each bundle whose recomputed
	// data root matched, after the bundle and its items are marked.
	OnVerified func(bundleID arid.ID)
}

// New builds a verification worker.
func New(log *zap.Logger, store bundles.Store, attrs attributes.Store, payload PayloadSource) *Worker {
	return &Worker{
		log:        log,
		store:      store,
		attrs:      attrs,
		payload:    payload,
		MaxRetries: 5,
		BatchSize:  50,
	}
}

// RunOnce performs one verification pass: select candidate bundles,
// prioritized preferred-first then by lowest retry count, and verify
// each. Returns how many bundles were verified this pass.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	recs, err := w.store.InState(ctx, 0, bundles.StateIndexed)
	if err != nil {
		return 0, err
	}

	candidates := recs[:0]
	for _, rec := range recs {
		if rec.Verified || len(rec.DataRootTrusted) == 0 {
			continue
		}
		if rec.RetryCount >= w.MaxRetries {
			continue
		}
		candidates = append(candidates, rec)
	}
	sortCandidates(candidates, w.Preferred)
	if w.BatchSize > 0 && len(candidates) > w.BatchSize {
		candidates = candidates[:w.BatchSize]
	}

	verified := 0
	for _, rec := range candidates {
		if ctx.Err() != nil {
			return verified, ctx.Err()
		}
		ok, err := w.verifyBundle(ctx, rec)
		if err != nil {
			w.log.Warn("bundle verification errored",
				zap.String("bundle", rec.ID.String()),
				zap.Error(err))
			w.store.IncrementRetry(ctx, rec.ID)
			continue
		}
		if ok {
			verified++
		}
	}
	return verified, nil
}

// verifyBundle recomputes the bundle payload's data root and compares
// it against the chain-trusted one.
func (w *Worker) verifyBundle(ctx context.Context, rec bundles.Record) (bool, error) {
	rc, err := w.payload.FetchPayload(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("fetch payload: %w", err)
	}
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	if err != nil {
		return false, fmt.Errorf("read payload: %w", err)
	}

	tree, err := merkle.BuildTree(payload)
	if err != nil {
		return false, fmt.Errorf("build tree: %w", err)
	}

	if !bytes.Equal(tree.DataRoot, rec.DataRootTrusted) {
		w.log.Warn("data root mismatch",
			zap.String("bundle", rec.ID.String()),
			zap.String("computed", fmt.Sprintf("%x", tree.DataRoot)),
			zap.String("trusted", fmt.Sprintf("%x", rec.DataRootTrusted)))
		w.store.IncrementRetry(ctx, rec.ID)
		return false, nil
	}

	if err := w.store.MarkVerified(ctx, rec.ID); err != nil {
		return false, err
	}
	if err := w.markDescendants(ctx, rec.ID); err != nil {
		return false, err
	}
	if w.OnVerified != nil {
		w.OnVerified(rec.ID)
	}
	return true, nil
}

// markDescendants flips verified on every data item indexed under the
// bundle, recursing through nested bundles via the parent index.
func (w *Worker) markDescendants(ctx context.Context, bundleID arid.ID) error {
	items, err := w.store.DataItems(ctx, bundleID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := w.attrs.SetVerified(ctx, item.ID); err != nil && err != attributes.ErrNotFound {
			return err
		}
		// A contained item may itself be an indexed bundle with children.
		if _, err := w.store.Get(ctx, item.ID); err == nil {
			if err := w.markDescendants(ctx, item.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortCandidates orders preferred bundles first, then by lowest retry
// count, keeping the underlying oldest-first order as the tiebreak.
func sortCandidates(recs []bundles.Record, preferred func(arid.ID) bool) {
	if preferred == nil {
		preferred = func(arid.ID) bool { return false }
	}
	// Insertion sort keeps this stable without pulling in sort.SliceStable
	// over a composite key; candidate batches are small.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(recs[j], recs[j-1], preferred); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func less(a, b bundles.Record, preferred func(arid.ID) bool) bool {
	pa, pb := preferred(a.ID), preferred(b.ID)
	if pa != pb {
		return pa
	}
	return a.RetryCount < b.RetryCount
}

// Interval is a convenience for the scheduler wiring.
func Interval(seconds int) time.Duration {
	if seconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(seconds) * time.Second
}
