// Chunk broadcast: fan a freshly posted chunk out to the configured
// chunk-POST peers, preferred peers first, one bounded queue per peer.
// Adapted from the teacher's uploader ConcurrentOnce (client/uploader.go):
// the same ants pool + WaitGroup fan-out, re-pointed from "submit my own
// transaction's chunks to one node" to "relay one chunk to many peers,"
// with the unbounded retry loop replaced by per-peer weight updates and
// a success-count deadline, since a relay answers its client instead of
// retrying forever.
package chunkretrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/breaker"
	"github.com/ar-io/gateway-node/internal/gwerr"
	"github.com/ar-io/gateway-node/internal/peers"
)

// BroadcastResult reports how many peers acknowledged a chunk.
type BroadcastResult struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// broadcastPeer is one chunk-POST destination: its ledger entry for
// weight/queue-depth tracking, a client, a breaker, and a single-worker
// pool so posts to one peer are serialized.
type broadcastPeer struct {
	peer   *peers.Peer
	client *arweave.Client
	brk    *breaker.Breaker
	pool   *ants.Pool
}

// Broadcaster owns the per-peer queues for POST /chunk relays.
type Broadcaster struct {
	log   *zap.Logger
	peers []*broadcastPeer

	// QueueDepthCap skips peers whose pending queue is at or above this.
	QueueDepthCap int
	// ResponseTimeout bounds each individual peer POST.
	ResponseTimeout time.Duration
}

// NewBroadcaster builds a Broadcaster over the ledger's chunk-POST
// peers, with perPeerConcurrency workers per peer.
func NewBroadcaster(log *zap.Logger, ledger *peers.Ledger, release string, perPeerConcurrency int) (*Broadcaster, error) {
	if perPeerConcurrency <= 0 {
		perPeerConcurrency = 1
	}
	b := &Broadcaster{
		log:             log,
		QueueDepthCap:   100,
		ResponseTimeout: 5 * time.Second,
	}
	for _, p := range ledger.All() {
		pool, err := ants.NewPool(perPeerConcurrency)
		if err != nil {
			return nil, err
		}
		b.peers = append(b.peers, &broadcastPeer{
			peer:   p,
			client: arweave.New(p.URL, release),
			brk:    breaker.New(breaker.DefaultConfig()),
			pool:   pool,
		})
	}
	return b, nil
}

// Release tears down the per-peer pools.
func (b *Broadcaster) Release() {
	for _, p := range b.peers {
		p.pool.Release()
	}
}

// Broadcast enqueues chunkJSON on every eligible peer's queue and waits
// until minSuccessCount peers acknowledge or abortTimeout passes. The
// result always carries the counts observed by the deadline; the error
// is a BroadcastShortfall when the minimum was not met.
func (b *Broadcaster) Broadcast(ctx context.Context, chunkJSON []byte, minSuccessCount int, abortTimeout time.Duration, attrs arweave.Attributes) (BroadcastResult, error) {
	ctx, cancel := context.WithTimeout(ctx, abortTimeout)
	defer cancel()

	eligible := make([]*broadcastPeer, 0, len(b.peers))
	for _, p := range b.peers {
		if p.peer.QueueDepth() >= b.QueueDepthCap {
			continue
		}
		if !p.brk.Allow(time.Now()) {
			continue
		}
		eligible = append(eligible, p)
	}

	results := make(chan bool, len(eligible))
	var wg sync.WaitGroup
	for _, p := range eligible {
		p := p
		wg.Add(1)
		p.peer.SetQueueDepth(p.peer.QueueDepth() + 1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			defer p.peer.SetQueueDepth(p.peer.QueueDepth() - 1)
			results <- b.postOne(ctx, p, chunkJSON, attrs)
		}); err != nil {
			p.peer.SetQueueDepth(p.peer.QueueDepth() - 1)
			wg.Done()
			results <- false
		}
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var res BroadcastResult
	pending := len(eligible)
	for pending > 0 {
		select {
		case ok, open := <-results:
			if !open {
				pending = 0
				break
			}
			pending--
			if ok {
				res.SuccessCount++
			} else {
				res.FailureCount++
			}
			if res.SuccessCount >= minSuccessCount {
				// Enough peers acknowledged; the rest complete (or fail) on
				// their own queues without holding up the client.
				res.FailureCount += pending
				pending = 0
			}
		case <-ctx.Done():
			res.FailureCount += pending
			pending = 0
		}
	}

	if res.SuccessCount < minSuccessCount {
		return res, gwerr.BroadcastShortfall("chunkretrieval.Broadcast",
			fmt.Errorf("%d of %d required peers acknowledged", res.SuccessCount, minSuccessCount))
	}
	return res, nil
}

func (b *Broadcaster) postOne(ctx context.Context, p *broadcastPeer, chunkJSON []byte, attrs arweave.Attributes) bool {
	postCtx, cancel := context.WithTimeout(ctx, b.ResponseTimeout)
	defer cancel()

	start := time.Now()
	status, err := p.client.PostChunk(postCtx, chunkJSON, attrs)
	now := time.Now()
	if err != nil || status >= 300 {
		p.brk.Record(now, errIfNil(err))
		p.peer.RecordFailure(now)
		b.log.Debug("chunk post failed",
			zap.String("peer", p.peer.URL),
			zap.Int("status", status),
			zap.Error(err))
		return false
	}
	p.brk.Record(now, nil)
	p.peer.RecordSuccess(now, now.Sub(start))
	return true
}

func errIfNil(err error) error {
	if err != nil {
		return err
	}
	return errBadStatus
}

var errBadStatus = errors.New("chunk post: non-2xx status")
