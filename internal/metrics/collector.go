package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/ledger"
)

// LedgerStats is the slice of the ledger store the collector samples.
// Satisfied by *ledger.Store.
type LedgerStats interface {
	Stats() (*ledger.Stats, error)
	DayTotals(day string) (map[string]int, error)
}

// Collector periodically samples ledger and identity state into gauges
type Collector struct {
	metrics        *Metrics
	ledger         LedgerStats
	pool           *identity.Pool
	storagePath    string
	sampleInterval time.Duration
	startTime      time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, led LedgerStats, pool *identity.Pool, storagePath string, sampleInterval time.Duration) *Collector {
	if sampleInterval == 0 {
		sampleInterval = 15 * time.Second
	}
	return &Collector{
		metrics:        m,
		ledger:         led,
		pool:           pool,
		storagePath:    storagePath,
		sampleInterval: sampleInterval,
		startTime:      time.Now(),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the sampling loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.sampleLoop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) sampleLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sampleInterval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	now := time.Now()

	c.metrics.UptimeSeconds.Set(now.Sub(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.ledger != nil {
		if stats, err := c.ledger.Stats(); err == nil {
			c.metrics.LedgerRecipients.Set(float64(stats.Recipients))
		}
		if totals, err := c.ledger.DayTotals(ledger.Day(now)); err == nil && c.pool != nil {
			for _, ident := range c.pool.List() {
				c.metrics.IdentityDailySent.WithLabelValues(ident.ID).Set(float64(totals[ident.ID]))
			}
		}
	}

	if c.pool != nil {
		for _, ident := range c.pool.List() {
			v := 0.0
			if c.pool.IsSuspended(ident.ID, now) {
				v = 1.0
			}
			c.metrics.IdentitySuspended.WithLabelValues(ident.ID).Set(v)
		}
	}
}
