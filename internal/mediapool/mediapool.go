// Package mediapool implements the MP collaborator: the owner of
// physical mblock storage that the cN tree commits finished kvset blocks to
// and deletes retired ones from. It follows the shape of a typical
// badger-backed storage layer: a badger/v3 database, a GC loop, and
// Prometheus metrics wiring, here repointed at mblock commit/delete.
package mediapool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cnkv/cntree/internal/cntree"
)

// ErrClosed is returned by every method once Close has run.
var ErrClosed = errors.New("mediapool: closed")

// Config controls the underlying badger database and GC cadence.
type Config struct {
	Dir         string
	GCInterval  time.Duration
	GCThreshold float64
	// PageSize is the allocation granularity EstimateAllocLen rounds up to.
	PageSize uint64
}

// DefaultConfig returns sane defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		GCInterval:  10 * time.Minute,
		GCThreshold: 0.5,
		PageSize:    4096,
	}
}

// Pool is the concrete MediaPool implementation (cntree.MediaPool).
type Pool struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	metricsLSMSize   prometheus.Gauge
	metricsVlogSize  prometheus.Gauge
	metricsCommitted prometheus.Counter
	metricsDeleted   prometheus.Counter
	metricsAdvised   prometheus.Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ cntree.MediaPool = (*Pool)(nil)

// Open opens (or creates) the media pool database at cfg.Dir.
func Open(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("mediapool: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &poolLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("mediapool: open: %w", err)
	}

	p := &Pool{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.gcLoop()
	return p, nil
}

func blockKey(id cntree.BlockID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Commit marks every block in blocks as durable. Real mblock payloads are
// written by a lower layer this package does not model; this records presence so Delete
// and diagnostics have something authoritative to act on.
func (p *Pool) Commit(ctx context.Context, blocks []cntree.BlockID) error {
	if len(blocks) == 0 {
		return nil
	}
	err := p.db.Update(func(txn *badger.Txn) error {
		for _, id := range blocks {
			if err := txn.Set(blockKey(id), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mediapool: commit: %w", err)
	}
	if p.metricsCommitted != nil {
		p.metricsCommitted.Add(float64(len(blocks)))
	}
	return nil
}

// Delete releases every block in blocks.
func (p *Pool) Delete(ctx context.Context, blocks []cntree.BlockID) error {
	if len(blocks) == 0 {
		return nil
	}
	err := p.db.Update(func(txn *badger.Txn) error {
		for _, id := range blocks {
			if err := txn.Delete(blockKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mediapool: delete: %w", err)
	}
	if p.metricsDeleted != nil {
		p.metricsDeleted.Add(float64(len(blocks)))
	}
	return nil
}

// Madvise records a paging hint for blocks. Badger manages its own page
// cache, so the hint changes nothing in the store; a DontNeed hint is
// counted and logged so the eviction sweep stays observable.
func (p *Pool) Madvise(ctx context.Context, blocks []cntree.BlockID, advice cntree.Advice) error {
	if len(blocks) == 0 || advice != cntree.AdviceDontNeed {
		return nil
	}
	if p.metricsAdvised != nil {
		p.metricsAdvised.Add(float64(len(blocks)))
	}
	p.logger.Debug("mediapool madvise", "blocks", len(blocks), "advice", "dontneed")
	return nil
}

// EstimateAllocLen rounds requested up to the next multiple of PageSize.
func (p *Pool) EstimateAllocLen(requested uint64) uint64 {
	page := p.cfg.PageSize
	if page == 0 {
		page = 4096
	}
	if requested == 0 {
		return 0
	}
	return ((requested + page - 1) / page) * page
}

// RegisterMetrics wires Prometheus gauges/counters into registry.
func (p *Pool) RegisterMetrics(registry *prometheus.Registry) *Pool {
	p.metricsLSMSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cntree", Subsystem: "mediapool", Name: "lsm_size_bytes",
		Help: "Media pool LSM tree size in bytes",
	})
	p.metricsVlogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cntree", Subsystem: "mediapool", Name: "value_log_size_bytes",
		Help: "Media pool value log size in bytes",
	})
	p.metricsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cntree", Subsystem: "mediapool", Name: "blocks_committed_total",
		Help: "Total mblocks committed",
	})
	p.metricsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cntree", Subsystem: "mediapool", Name: "blocks_deleted_total",
		Help: "Total mblocks deleted",
	})
	p.metricsAdvised = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cntree", Subsystem: "mediapool", Name: "blocks_advised_total",
		Help: "Total mblocks advised out by capped eviction",
	})
	registry.MustRegister(p.metricsLSMSize, p.metricsVlogSize, p.metricsCommitted, p.metricsDeleted, p.metricsAdvised)
	go p.metricsUpdateLoop()
	return p
}

func (p *Pool) metricsUpdateLoop() {
	if p.metricsLSMSize == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lsm, vlog := p.db.Size()
			p.metricsLSMSize.Set(float64(lsm))
			p.metricsVlogSize.Set(float64(vlog))
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) gcLoop() {
	defer close(p.doneCh)
	interval := p.cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				err := p.db.RunValueLogGC(p.cfg.GCThreshold)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						p.logger.Error("mediapool gc failed", "error", err)
					}
					break
				}
			}
		case <-p.stopCh:
			return
		}
	}
}

// Close shuts the pool down.
func (p *Pool) Close() error {
	close(p.stopCh)
	<-p.doneCh
	return p.db.Close()
}

type poolLogger struct{ logger *slog.Logger }

func (l *poolLogger) Errorf(format string, args ...interface{})   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *poolLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *poolLogger) Infof(format string, args ...interface{})    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *poolLogger) Debugf(format string, args ...interface{})   { l.logger.Debug(fmt.Sprintf(format, args...)) }
