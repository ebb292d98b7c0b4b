// Package unbundling drives the ANS-104 pipeline: queue -> fetch bundle
// bytes -> parse header -> filter -> emit normalized data items ->
// index, with nested bundles re-enqueued, a bounded queue that
// back-pressures admission, and at-most-once concurrent processing per
// bundle id.
//
// Grounded on the teacher's uploader worker-pool shape
// (github.com/panjf2000/ants/v2 pools fed from a loop, a WaitGroup for
// drain) re-pointed from uploading chunks to downloading and parsing
// bundles, internal/bundle and internal/dataitem for the codecs, and
// bounded-channel back-pressure in place of the coroutine heuristics
// the design notes call out.
package unbundling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundle"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/dataitem"
	"github.com/ar-io/gateway-node/internal/filter"
	"github.com/ar-io/gateway-node/internal/gwerr"
)

// BundleFetcher produces a bundle's full payload bytes; in production
// wiring this is the composite data source's background order.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, id arid.ID) ([]byte, error)
}

// Job is one queued bundle.
type Job struct {
	ID       arid.ID
	RootTxID arid.ID
	Height   int64
}

// Config sizes the pipeline.
type Config struct {
	DownloadWorkers int
	UnbundleWorkers int
	MaxQueueSize    int
	// MaxAttempts bounds retries before a bundle is dropped by repair.
	MaxAttempts int
	// StuckTimeout is how long a bundle may sit in DOWNLOADING/UNBUNDLING
	// before repair re-queues it.
	StuckTimeout time.Duration
	// RepairBatchSize caps one repair sweep's re-queues.
	RepairBatchSize int
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		DownloadWorkers: 5,
		UnbundleWorkers: 5,
		MaxQueueSize:    100000,
		MaxAttempts:     5,
		StuckTimeout:    30 * time.Minute,
		RepairBatchSize: 100,
	}
}

// Pipeline owns the bundle queue and worker pools.
type Pipeline struct {
	log   *zap.Logger
	cfg   Config
	store bundles.Store
	attrs attributes.Store
	fetch BundleFetcher

	unbundleFilter filter.Filter
	indexFilter    filter.Filter

	queue     chan Job
	admitMu   sync.Mutex
	paused    bool
	downloads *ants.Pool
	unbundles *ants.Pool
	inflight  singleflight.Group
	wg        sync.WaitGroup

	// onIndexed listeners, registered through OnDataItemIndexed, fire once
	// per matched item after a bundle's matched items are all written.
	onIndexed []func(bundles.NormalizedDataItem)

	now func() time.Time
}

// New builds a Pipeline. Enqueue admits work into the queue right away;
// Run must be running for queued bundles to be processed.
func New(log *zap.Logger, cfg Config, store bundles.Store, attrs attributes.Store, fetch BundleFetcher, unbundleFilter, indexFilter filter.Filter) (*Pipeline, error) {
	downloads, err := ants.NewPool(cfg.DownloadWorkers)
	if err != nil {
		return nil, err
	}
	unbundles, err := ants.NewPool(cfg.UnbundleWorkers)
	if err != nil {
		downloads.Release()
		return nil, err
	}
	return &Pipeline{
		log:            log,
		cfg:            cfg,
		store:          store,
		attrs:          attrs,
		fetch:          fetch,
		unbundleFilter: unbundleFilter,
		indexFilter:    indexFilter,
		queue:          make(chan Job, cfg.MaxQueueSize),
		downloads:      downloads,
		unbundles:      unbundles,
		now:            time.Now,
	}, nil
}

// OnDataItemIndexed registers a listener for indexed data items.
func (p *Pipeline) OnDataItemIndexed(fn func(bundles.NormalizedDataItem)) {
	p.onIndexed = append(p.onIndexed, fn)
}

// Enqueue admits a bundle for processing. Admission pauses once the
// queue exceeds its cap and resumes only after it drains to half-cap,
// so transient bursts back-pressure the producer instead of growing
// memory; a paused queue returns QueueFull (HTTP 429 on the admin path).
func (p *Pipeline) Enqueue(ctx context.Context, job Job) error {
	p.admitMu.Lock()
	depth := len(p.queue)
	if p.paused && depth <= p.cfg.MaxQueueSize/2 {
		p.paused = false
	}
	if !p.paused && depth >= p.cfg.MaxQueueSize {
		p.paused = true
	}
	paused := p.paused
	p.admitMu.Unlock()

	if paused {
		return gwerr.QueueFull("unbundling.Enqueue",
			fmt.Errorf("queue at %d of %d", depth, p.cfg.MaxQueueSize))
	}

	rec, err := p.store.Get(ctx, job.ID)
	if err != nil {
		rec = bundles.Record{ID: job.ID, RootTransactionID: job.RootTxID, State: bundles.StateNew}
		if err := p.store.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	if err := p.store.Transition(ctx, job.ID, bundles.StateQueued, p.now()); err != nil {
		return err
	}

	select {
	case p.queue <- job:
		return nil
	default:
		p.admitMu.Lock()
		p.paused = true
		p.admitMu.Unlock()
		return gwerr.QueueFull("unbundling.Enqueue", fmt.Errorf("queue full at %d", p.cfg.MaxQueueSize))
	}
}

// Run consumes the queue until ctx is cancelled, dispatching each job to
// the download pool.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case job := <-p.queue:
			p.wg.Add(1)
			if err := p.downloads.Submit(func() {
				defer p.wg.Done()
				p.process(ctx, job)
			}); err != nil {
				p.wg.Done()
				p.log.Error("download pool submit failed", zap.Error(err))
			}
		}
	}
}

// Release tears the worker pools down after Run has returned.
func (p *Pipeline) Release() {
	p.downloads.Release()
	p.unbundles.Release()
}

// process runs one bundle through download and unbundle. The
// single-flight group makes processing per bundle id at-most-once
// concurrent; a duplicate job observes the first run's outcome.
func (p *Pipeline) process(ctx context.Context, job Job) {
	_, err, _ := p.inflight.Do(job.ID.String(), func() (interface{}, error) {
		return nil, p.processOnce(ctx, job)
	})
	if err != nil && ctx.Err() == nil {
		p.log.Warn("bundle processing failed",
			zap.String("bundle", job.ID.String()),
			zap.Error(err))
	}
}

func (p *Pipeline) processOnce(ctx context.Context, job Job) error {
	if err := p.store.Transition(ctx, job.ID, bundles.StateDownloading, p.now()); err != nil {
		return err
	}

	// Transient download failures retry in place before the bundle is
	// marked failed and left to the repair sweep.
	var raw []byte
	download := func() error {
		var err error
		raw, err = p.fetch.FetchBundle(ctx, job.ID)
		return err
	}
	if err := backoff.Retry(download, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)); err != nil {
		p.store.Transition(ctx, job.ID, bundles.StateFailed, p.now())
		return fmt.Errorf("download %s: %w", job.ID, err)
	}
	p.log.Debug("bundle downloaded",
		zap.String("bundle", job.ID.String()),
		zap.String("size", humanize.IBytes(uint64(len(raw)))))

	if err := p.store.Transition(ctx, job.ID, bundles.StateUnbundling, p.now()); err != nil {
		return err
	}

	// Parse on the unbundle pool so slow parses do not starve downloads.
	done := make(chan error, 1)
	if err := p.unbundles.Submit(func() {
		done <- p.unbundle(ctx, job, raw)
	}); err != nil {
		p.store.Transition(ctx, job.ID, bundles.StateFailed, p.now())
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			p.store.Transition(ctx, job.ID, bundles.StateFailed, p.now())
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) unbundle(ctx context.Context, job Job, raw []byte) error {
	container, err := bundle.Parse(raw)
	if err != nil {
		return gwerr.InvalidBundle("unbundling.unbundle", err)
	}

	rootTx := job.RootTxID
	if rootTx.IsZero() {
		rootTx = job.ID
	}

	var matched []bundles.NormalizedDataItem
	for i, entry := range container.Entries {
		itemBytes, err := container.ItemBytes(i)
		if err != nil {
			return gwerr.InvalidBundle("unbundling.unbundle", err)
		}
		item, err := dataitem.Decode(itemBytes)
		if err != nil {
			p.log.Warn("skipping undecodable data item",
				zap.String("bundle", job.ID.String()),
				zap.String("item", entry.ID.String()),
				zap.Error(err))
			continue
		}

		norm := normalize(job, rootTx, entry, item, p.now())
		fitem := filterItem(norm, rootTx)

		if p.unbundleFilter.Match(fitem) && isNestedBundle(fitem) {
			// A nested bundle becomes a new job; overflow here is logged
			// rather than failing the parent, since repair re-queues it.
			if err := p.Enqueue(ctx, Job{ID: norm.ID, RootTxID: rootTx, Height: job.Height}); err != nil {
				p.log.Warn("nested bundle not enqueued",
					zap.String("item", norm.ID.String()),
					zap.Error(err))
			}
		}
		if p.indexFilter.Match(fitem) {
			matched = append(matched, norm)
		}
	}

	if err := p.index(ctx, job, len(container.Entries), matched); err != nil {
		return err
	}
	return nil
}

// index writes the matched items and the attributes rows they imply,
// then finalizes the bundle row and notifies listeners.
func (p *Pipeline) index(ctx context.Context, job Job, totalItems int, matched []bundles.NormalizedDataItem) error {
	if err := p.store.PutDataItems(ctx, job.ID, matched); err != nil {
		return err
	}
	for _, item := range matched {
		row := attributes.Row{
			ID:          item.ID,
			ParentID:    item.ParentID,
			HasParent:   true,
			Offset:      item.Offset,
			DataOffset:  item.DataOffset,
			Size:        item.Size,
			ContentType: item.ContentType,
		}
		if err := p.attrs.Put(ctx, row); err != nil {
			return err
		}
	}

	rec, err := p.store.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	rec.DataItemCount = totalItems
	rec.MatchedDataItemCount = len(matched)
	if err := p.store.Upsert(ctx, rec); err != nil {
		return err
	}
	if err := p.store.Transition(ctx, job.ID, bundles.StateIndexed, p.now()); err != nil {
		return err
	}

	for _, item := range matched {
		for _, fn := range p.onIndexed {
			fn(item)
		}
	}
	return nil
}

// normalize converts a parsed data item into its indexed row. Offsets
// are relative to the enclosing container's payload; signature and
// owner are located by offset into the item's own bytes.
func normalize(job Job, rootTx arid.ID, entry bundle.Entry, item *dataitem.Item, now time.Time) bundles.NormalizedDataItem {
	headerSize := int64(len(item.Raw) - len(item.Data))

	var contentType string
	for _, t := range item.Tags {
		if t.Name == "Content-Type" {
			contentType = t.Value
			break
		}
	}

	var target, anchor string
	if item.HasTarget {
		target = item.Target.String()
	}
	if len(item.Anchor) > 0 {
		anchor = string(item.Anchor)
	}

	sigLen := item.SignatureType.SignatureLen()
	return bundles.NormalizedDataItem{
		ID:                item.ID,
		ParentID:          job.ID,
		RootTransactionID: rootTx,
		Height:            job.Height,
		SignatureType:     int(item.SignatureType),
		SignatureOffset:   int64(entry.Offset) + 2,
		SignatureSize:     int64(sigLen),
		OwnerOffset:       int64(entry.Offset) + 2 + int64(sigLen),
		OwnerSize:         int64(item.SignatureType.OwnerLen()),
		Target:            target,
		Anchor:            anchor,
		Tags:              item.Tags,
		ContentType:       contentType,
		Offset:            int64(entry.Offset),
		DataOffset:        int64(entry.Offset) + headerSize,
		Size:              int64(len(item.Data)),
		IndexedAt:         now,
	}
}

func filterItem(norm bundles.NormalizedDataItem, rootTx arid.ID) filter.Item {
	tags := make(map[string]string, len(norm.Tags))
	for _, t := range norm.Tags {
		tags[t.Name] = t.Value
	}
	return filter.Item{
		ID:            norm.ID,
		RootTxID:      rootTx,
		Tags:          tags,
		ContentType:   norm.ContentType,
		HashPartition: filter.HashPartitionOf(norm.ID),
	}
}

// isNestedBundle recognizes the ANS-104 container tag pair on an item.
func isNestedBundle(it filter.Item) bool {
	return it.Tags["Bundle-Format"] == "binary" && it.Tags["Bundle-Version"] != ""
}

// Repair re-queues bundles stuck in FAILED or mid-flight past the stuck
// timeout, in batches, dropping (marking SKIPPED) bundles whose attempt
// count has reached MaxAttempts.
func (p *Pipeline) Repair(ctx context.Context) (requeued, dropped int, err error) {
	recs, err := p.store.InState(ctx, p.cfg.RepairBatchSize,
		bundles.StateFailed, bundles.StateDownloading, bundles.StateUnbundling)
	if err != nil {
		return 0, 0, err
	}
	cutoff := p.now().Add(-p.cfg.StuckTimeout)
	for _, rec := range recs {
		if rec.State != bundles.StateFailed && rec.LastStateAt.After(cutoff) {
			continue
		}
		if rec.ImportAttemptCount >= p.cfg.MaxAttempts {
			if err := p.store.Transition(ctx, rec.ID, bundles.StateSkipped, p.now()); err != nil {
				return requeued, dropped, err
			}
			dropped++
			continue
		}
		if err := p.Enqueue(ctx, Job{ID: rec.ID, RootTxID: rec.RootTransactionID}); err != nil {
			if gwerr.Is(err, gwerr.KindQueueFull) {
				return requeued, dropped, nil
			}
			return requeued, dropped, err
		}
		requeued++
	}
	return requeued, dropped, nil
}

// QueueDepth reports the current queue length, for metrics and the
// admin endpoints' back-pressure decisions.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}
