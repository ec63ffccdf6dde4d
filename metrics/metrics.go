package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"emberdb/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "emberdb"

// ServerStatsProvider interface allows the collector to get stats from the Server
type ServerStatsProvider interface {
	ActiveConns() int64
	TotalConns() uint64
	ActiveTxs() int64
}

// JournalStatsProvider exposes per-shard journal occupancy, read from the
// owning shard's own goroutine via proactor.Pool.Await by the caller that
// implements this interface (the collector itself never touches a Slice
// directly).
type JournalStatsProvider interface {
	ShardCount() int
	LSNBufferSize(shardID int) (int, error)
	RingBytes(shardID int) (int64, error)
	ConsumerCount(shardID int) (int, error)
}

// MigrationStatsProvider exposes the live state of at most one in-flight
// incoming migration at a time — the common case for a slot-migration
// receiver — as a small integer state code matching cluster.MigrationState.
type MigrationStatsProvider interface {
	MigrationState() (state int, active bool)
}

type EmberCollector struct {
	stores      map[string]*store.Store
	serverStats ServerStatsProvider
	journal     JournalStatsProvider
	migration   MigrationStatsProvider

	keys        *prometheus.Desc
	activeConns *prometheus.Desc
	totalConns  *prometheus.Desc
	activeTxs   *prometheus.Desc

	// Storage Metrics
	conflicts *prometheus.Desc

	// Journal Metrics
	journalRingEntries *prometheus.Desc
	journalRingBytes   *prometheus.Desc
	journalConsumers   *prometheus.Desc

	// Migration Metrics
	migrationState *prometheus.Desc
}

func NewEmberCollector(stores map[string]*store.Store, stats ServerStatsProvider) *EmberCollector {
	return &EmberCollector{
		stores:             stores,
		serverStats:        stats,
		keys:               newDesc("store", "keys_total", "Total keys"),
		activeConns:        newDesc("server", "connections_active", "Active connections"),
		totalConns:         newDesc("server", "connections_accepted_total", "Total connections"),
		activeTxs:          newDesc("server", "transactions_active", "Active transactions"),
		conflicts:          newDesc("store", "conflicts_total", "Total transaction conflicts"),
		journalRingEntries: newShardDesc("journal", "ring_entries", "Journal ring occupancy by entry count"),
		journalRingBytes:   newShardDesc("journal", "ring_bytes", "Journal ring occupancy in bytes"),
		journalConsumers:   newShardDesc("journal", "consumers", "Registered journal fanout consumers"),
		migrationState:     newDesc("migration", "state", "Current incoming migration state (cluster.MigrationState), -1 if none active"),
	}
}

// WithJournalStats attaches a journal occupancy source to the collector.
func (c *EmberCollector) WithJournalStats(j JournalStatsProvider) *EmberCollector {
	c.journal = j
	return c
}

// WithMigrationStats attaches an incoming-migration state source.
func (c *EmberCollector) WithMigrationStats(m MigrationStatsProvider) *EmberCollector {
	c.migration = m
	return c
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func newShardDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, []string{"shard"}, nil)
}

func (c *EmberCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keys
	ch <- c.activeConns
	ch <- c.totalConns
	ch <- c.activeTxs
	ch <- c.conflicts
	ch <- c.journalRingEntries
	ch <- c.journalRingBytes
	ch <- c.journalConsumers
	ch <- c.migrationState
}

func (c *EmberCollector) Collect(ch chan<- prometheus.Metric) {
	var keys float64
	var conflicts float64

	for _, db := range c.stores {
		stats := db.Stats()
		keys += float64(stats.KeyCount)
		conflicts += float64(stats.Conflicts)
	}

	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, keys)
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, conflicts)

	if c.serverStats != nil {
		ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(c.serverStats.ActiveConns()))
		ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.CounterValue, float64(c.serverStats.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.activeTxs, prometheus.GaugeValue, float64(c.serverStats.ActiveTxs()))
	}

	if c.journal != nil {
		for i := 0; i < c.journal.ShardCount(); i++ {
			shard := strconv.Itoa(i)
			if n, err := c.journal.LSNBufferSize(i); err == nil {
				ch <- prometheus.MustNewConstMetric(c.journalRingEntries, prometheus.GaugeValue, float64(n), shard)
			}
			if b, err := c.journal.RingBytes(i); err == nil {
				ch <- prometheus.MustNewConstMetric(c.journalRingBytes, prometheus.GaugeValue, float64(b), shard)
			}
			if n, err := c.journal.ConsumerCount(i); err == nil {
				ch <- prometheus.MustNewConstMetric(c.journalConsumers, prometheus.GaugeValue, float64(n), shard)
			}
		}
	}

	if c.migration != nil {
		if state, active := c.migration.MigrationState(); active {
			ch <- prometheus.MustNewConstMetric(c.migrationState, prometheus.GaugeValue, float64(state))
		} else {
			ch <- prometheus.MustNewConstMetric(c.migrationState, prometheus.GaugeValue, -1)
		}
	}
}

// CollectorOption attaches an optional stats source to the collector
// StartMetricsServer registers, mirroring EmberCollector's own
// WithJournalStats/WithMigrationStats chaining for callers that only have
// the providers once the collector is already about to be registered.
type CollectorOption func(*EmberCollector)

func WithJournalStats(j JournalStatsProvider) CollectorOption {
	return func(c *EmberCollector) { c.WithJournalStats(j) }
}

func WithMigrationStats(m MigrationStatsProvider) CollectorOption {
	return func(c *EmberCollector) { c.WithMigrationStats(m) }
}

func StartMetricsServer(addr string, stores map[string]*store.Store, serverStats ServerStatsProvider, logger *slog.Logger, opts ...CollectorOption) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	collector := NewEmberCollector(stores, serverStats)
	for _, opt := range opts {
		opt(collector)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}()
}
