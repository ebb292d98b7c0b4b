// Command gateway runs the AR.IO gateway node: the data retrieval and
// verification engine behind the HTTP surface. Initialization order is
// config -> logger -> stores -> peer ledger -> chunk stores -> data
// source stack -> workers -> HTTP server; shutdown runs in reverse with
// a grace window for in-flight streams.
package main

import (
	"context"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ar-io/gateway-node/arid"
	"github.com/ar-io/gateway-node/crypto"
	"github.com/ar-io/gateway-node/internal/arweave"
	"github.com/ar-io/gateway-node/internal/attributes"
	"github.com/ar-io/gateway-node/internal/bundles"
	"github.com/ar-io/gateway-node/internal/chunkretrieval"
	"github.com/ar-io/gateway-node/internal/chunkstore"
	"github.com/ar-io/gateway-node/internal/config"
	"github.com/ar-io/gateway-node/internal/contiguous"
	"github.com/ar-io/gateway-node/internal/datasource"
	"github.com/ar-io/gateway-node/internal/filter"
	"github.com/ar-io/gateway-node/internal/gwlog"
	"github.com/ar-io/gateway-node/internal/httpapi"
	"github.com/ar-io/gateway-node/internal/identity"
	"github.com/ar-io/gateway-node/internal/parentchain"
	"github.com/ar-io/gateway-node/internal/peers"
	"github.com/ar-io/gateway-node/internal/scheduler"
	"github.com/ar-io/gateway-node/internal/storesql"
	"github.com/ar-io/gateway-node/internal/unbundling"
	"github.com/ar-io/gateway-node/internal/verification"
)

const (
	chunkStoreCapacity  = 8192
	metaStoreCapacity   = 8192
	cleanupInterval     = 15 * time.Minute
	repairInterval      = 5 * time.Minute
	dnsRefreshInterval  = 10 * time.Minute
	peerWeightsCacheTTL = 5 * time.Second
)

func main() {
	cfg := config.FromEnv()

	log, err := gwlog.New(gwlog.Options{
		Development: os.Getenv("AR_IO_ENV") == "development",
		Level:       os.Getenv("AR_IO_LOG_LEVEL"),
	})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ident, err := identity.FromWalletFile(cfg.WalletPath)
	if err != nil {
		return err
	}

	// Stores: SQL-backed when a DSN is configured, in-memory otherwise.
	var attrStore attributes.Store = attributes.NewMemory()
	var bundleStore bundles.Store = bundles.NewMemory()
	if cfg.SQLDSN != "" {
		db, err := storesql.Open(cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storesql.Migrate(db); err != nil {
			return err
		}
		attrStore = storesql.NewAttributes(db)
		bundleStore = storesql.NewBundles(db)
	}

	contigStore := contiguous.New(contiguous.TTLPolicy{
		Default:   cfg.ContiguousDataCacheCleanupThreshold,
		Preferred: preferredTTLs(cfg),
	})

	// Peer ledgers for the two roles.
	dataLedger := peers.New(peers.RoleData, cfg.TrustedGatewayURLs, nil, peerWeightsCacheTTL)
	chunkLedger := peers.New(peers.RoleChunks, cfg.ChunkPostURLs, cfg.PreferredChunkPostURLs, peerWeightsCacheTTL)

	chunkData, err := chunkstore.NewDataStore(chunkStoreCapacity, cfg.ChunkDataCacheCleanupThreshold)
	if err != nil {
		return err
	}
	chunkMeta, err := chunkstore.NewMetadataStore(metaStoreCapacity, cfg.ChunkDataCacheCleanupThreshold)
	if err != nil {
		return err
	}

	// Chunk retrieval: trusted node first, then preferred chunk GET nodes.
	trustedNode := arweave.New(cfg.TrustedNodeURL, cfg.NodeRelease)
	chunkClients := []*arweave.Client{trustedNode}
	for _, u := range cfg.PreferredChunkGetNodeURLs {
		chunkClients = append(chunkClients, arweave.New(u, cfg.NodeRelease))
	}
	// The chain indexer (external collaborator) feeds these indexes; they
	// start empty and fill as blocks and tx offsets are observed.
	blockIndex := chunkretrieval.NewMemoryBlockIndex(nil)
	txOffsetIndex := chunkretrieval.NewMemoryTxOffsetIndex(nil)
	chunkService := chunkretrieval.New(log, chunkData, chunkMeta, blockIndex, txOffsetIndex, chunkClients)

	broadcaster, err := chunkretrieval.NewBroadcaster(log, chunkLedger, cfg.NodeRelease, 1)
	if err != nil {
		return err
	}
	defer broadcaster.Release()

	resolver := parentchain.New(attrStore)
	txIndex := &datasource.ChainTxIndex{Client: trustedNode}

	onDemand := buildSources(cfg.OnDemandRetrievalOrder, sourceDeps{
		log: log, cfg: cfg, contig: contigStore, attrs: attrStore,
		resolver: resolver, txIndex: txIndex, chunks: chunkService,
		trustedNode: trustedNode, dataLedger: dataLedger,
	})
	background := buildSources(cfg.BackgroundRetrievalOrder, sourceDeps{
		log: log, cfg: cfg, contig: contigStore, attrs: attrStore,
		resolver: resolver, txIndex: txIndex, chunks: chunkService,
		trustedNode: trustedNode, dataLedger: dataLedger,
	})
	onDemandStack := datasource.NewComposite(log, attrStore, onDemand)
	backgroundStack := datasource.NewComposite(log, attrStore, background)

	unbundleFilter, err := filter.Parse(cfg.ANS104UnbundleFilter)
	if err != nil {
		return err
	}
	indexFilter, err := filter.Parse(cfg.ANS104IndexFilter)
	if err != nil {
		return err
	}

	pipelineCfg := unbundling.DefaultConfig()
	pipelineCfg.DownloadWorkers = cfg.ANS104DownloadWorkers
	pipelineCfg.UnbundleWorkers = cfg.ANS104UnbundleWorkers
	pipelineCfg.MaxQueueSize = cfg.MaxDataItemQueueSize
	pipeline, err := unbundling.New(log, pipelineCfg, bundleStore, attrStore,
		&stackFetcher{stack: backgroundStack}, unbundleFilter, indexFilter)
	if err != nil {
		return err
	}
	defer pipeline.Release()
	go pipeline.Run(ctx)

	verifier := verification.New(log, bundleStore, attrStore, &stackFetcher{stack: backgroundStack})
	verifier.MaxRetries = cfg.MaxVerificationRetries
	verifier.Preferred = func(arid.ID) bool { return false }

	dns := peers.NewDNSRefresher(hostsOf(cfg.PreferredChunkPostURLs))

	sched := scheduler.New(log)
	sched.Add(scheduler.Job{
		Name:     "chunk-cache-cleanup",
		Interval: cleanupInterval,
		Run: func(context.Context) error {
			chunkService.Cleanup(time.Now())
			return nil
		},
	})
	sched.Add(scheduler.Job{
		Name:     "contiguous-cache-cleanup",
		Interval: cleanupInterval,
		Run: func(context.Context) error {
			contigStore.Cleanup(time.Now())
			return nil
		},
	})
	sched.Add(scheduler.Job{
		Name:     "bundle-repair",
		Interval: repairInterval,
		Run: func(ctx context.Context) error {
			_, _, err := pipeline.Repair(ctx)
			return err
		},
	})
	sched.Add(scheduler.Job{
		Name:       "peer-dns-refresh",
		Interval:   dnsRefreshInterval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			dns.RefreshOnce(ctx)
			return nil
		},
	})
	if cfg.EnableBackgroundDataVerification {
		sched.Add(scheduler.Job{
			Name:     "data-verification",
			Interval: verification.Interval(cfg.BackgroundDataVerificationIntervalSecs),
			Run: func(ctx context.Context) error {
				_, err := verifier.RunOnce(ctx)
				return err
			},
		})
	}
	go sched.Run(ctx)

	server := &httpapi.Server{
		Log:                  log,
		Data:                 onDemandStack,
		Chunks:               chunkService,
		Broadcaster:          broadcaster,
		Pipeline:             pipeline,
		Bundles:              bundleStore,
		Attrs:                attrStore,
		WalletAddress:        ident.Address,
		Release:              cfg.NodeRelease,
		UnbundleFilter:       cfg.ANS104UnbundleFilter,
		IndexFilter:          cfg.ANS104IndexFilter,
		ChunkPostMinSuccess:  cfg.ChunkPostMinSuccessCount,
		ChunkPostAbortTimeout: cfg.ChunkPostAbortTimeout,
	}

	log.Info("gateway listening",
		zap.String("addr", cfg.HTTPListenAddr),
		zap.String("release", cfg.NodeRelease),
		zap.Strings("on_demand_order", cfg.OnDemandRetrievalOrder))
	return server.Serve(ctx, cfg.HTTPListenAddr)
}

// sourceDeps carries everything buildSources can wire into a source.
type sourceDeps struct {
	log         *zap.Logger
	cfg         config.Config
	contig      *contiguous.Store
	attrs       attributes.Store
	resolver    *parentchain.Resolver
	txIndex     datasource.TxIndex
	chunks      *chunkretrieval.Service
	trustedNode *arweave.Client
	dataLedger  *peers.Ledger
}

// buildSources maps configured source names onto constructed sources,
// preserving order; unknown names are skipped with a warning so a typo
// degrades rather than aborts.
func buildSources(order []string, d sourceDeps) []datasource.Source {
	var out []datasource.Source
	for _, name := range order {
		switch name {
		case "cache":
			out = append(out, &datasource.CacheSource{Store: d.contig})
		case "chunks":
			out = append(out, &datasource.ChunksSource{Txs: d.txIndex, Chunks: d.chunks})
		case "chunks-data-item":
			out = append(out, &datasource.ChunksDataItemSource{
				Attrs: d.attrs, Resolver: d.resolver, Txs: d.txIndex, Chunks: d.chunks,
			})
		case "trusted-gateways":
			src := datasource.NewTrustedGatewaysSource(d.log, d.cfg.TrustedGatewayURLs, d.cfg.NodeRelease)
			src.KnownDigest = knownDigest(d.attrs)
			out = append(out, src)
		case "ar-io-network":
			out = append(out, &datasource.ARIONetworkSource{
				Log: d.log, Ledger: d.dataLedger, Release: d.cfg.NodeRelease,
				KnownDigest: knownDigest(d.attrs),
			})
		case "tx-data":
			out = append(out, &datasource.TxDataSource{Client: d.trustedNode})
		case "s3":
			if src := buildS3Source(d.cfg, d.log); src != nil {
				out = append(out, src)
			}
		default:
			d.log.Warn("unknown data source in retrieval order", zap.String("source", name))
		}
	}
	return out
}

func buildS3Source(cfg config.Config, log *zap.Logger) datasource.Source {
	if cfg.S3Bucket == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		log.Warn("s3 source disabled", zap.Error(err))
		return nil
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
	})
	return &datasource.S3Source{Client: client, Bucket: cfg.S3Bucket}
}

// knownDigest reports the digest already recorded for an id, so peer
// sources can send X-AR-IO-Expected-Digest and cross-check responses.
func knownDigest(attrs attributes.Store) func(context.Context, datasource.Request) string {
	return func(ctx context.Context, req datasource.Request) string {
		row, err := attrs.Get(ctx, req.ID)
		if err != nil || !row.HasHash {
			return ""
		}
		return crypto.Base64URLEncode(row.Hash[:])
	}
}

// stackFetcher adapts a composite stack to the pipeline's BundleFetcher
// and the verifier's PayloadSource.
type stackFetcher struct {
	stack *datasource.Composite
}

func (f *stackFetcher) FetchBundle(ctx context.Context, id arid.ID) ([]byte, error) {
	res, err := f.stack.GetData(ctx, datasource.Request{ID: id})
	if err != nil {
		return nil, err
	}
	defer res.Reader.Close()
	return io.ReadAll(res.Reader)
}

func (f *stackFetcher) FetchPayload(ctx context.Context, id arid.ID) (io.ReadCloser, error) {
	res, err := f.stack.GetData(ctx, datasource.Request{ID: id})
	if err != nil {
		return nil, err
	}
	return res.Reader, nil
}

// preferredTTLs gives every preferred ArNS name double the default
// retention.
func preferredTTLs(cfg config.Config) map[string]time.Duration {
	if len(cfg.PreferredArNSNames) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(cfg.PreferredArNSNames))
	for _, name := range cfg.PreferredArNSNames {
		out[name] = 2 * cfg.ContiguousDataCacheCleanupThreshold
	}
	return out
}

// hostsOf extracts bare hostnames from peer URLs for DNS refresh.
func hostsOf(urls []string) []string {
	var out []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		out = append(out, u.Hostname())
	}
	return out
}
