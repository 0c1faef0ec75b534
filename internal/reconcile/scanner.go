package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/listing"
	"github.com/mbd888/voucherescrow/internal/release"
	"github.com/mbd888/voucherescrow/internal/traces"
)

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 4
	DefaultRPS         = 20
)

// ScanResult summarizes one pass over the ledger.
type ScanResult struct {
	Scanned   int           `json:"scanned"`
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	NextID    uint64        `json:"nextId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// ScanConfig bounds how hard a scan hits the ledger.
type ScanConfig struct {
	BatchSize   int
	Concurrency int
	// RPS limits listing reads per second. Zero or less disables the limit.
	RPS float64
}

type scanCall struct {
	done chan struct{}
	res  ScanResult
	err  error
}

// Scanner walks every listing id and queues releases for BuyerConfirmed
// listings. It only enqueues; the executor decides.
type Scanner struct {
	reader      chain.Reader
	enq         Enqueuer
	batchSize   int
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger

	mu      sync.Mutex
	current *scanCall
	last    *ScanResult
}

// NewScanner creates a scanner.
func NewScanner(reader chain.Reader, enq Enqueuer, cfg ScanConfig, logger *slog.Logger) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Concurrency)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		reader:      reader,
		enq:         enq,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		limiter:     limiter,
		logger:      logger,
	}
}

// Last returns the most recent completed scan, or nil.
func (s *Scanner) Last() *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// ScanPending runs a scan. A call made while another scan is running waits
// for that scan and returns its result.
func (s *Scanner) ScanPending(ctx context.Context) (ScanResult, error) {
	s.mu.Lock()
	if c := s.current; c != nil {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return ScanResult{}, ctx.Err()
		}
	}
	c := &scanCall{done: make(chan struct{})}
	s.current = c
	s.mu.Unlock()

	c.res, c.err = s.scan(ctx)

	s.mu.Lock()
	s.current = nil
	res := c.res
	s.last = &res
	s.mu.Unlock()
	close(c.done)

	return c.res, c.err
}

func (s *Scanner) scan(ctx context.Context) (ScanResult, error) {
	res := ScanResult{StartedAt: time.Now()}
	ctx, span := traces.StartSpan(ctx, "reconcile.ScanPending")
	defer span.End()
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		scanDuration.Observe(res.Duration.Seconds())
	}()

	next, err := s.reader.NextID(ctx)
	if err != nil {
		res.Errors++
		scanErrors.Inc()
		traces.RecordError(span, err)
		return res, fmt.Errorf("reconcile: reading next listing id: %w", err)
	}
	res.NextID = next

	var scanned, processed, failures atomic.Int64
	for start := uint64(1); start < next; start += uint64(s.batchSize) {
		if err := ctx.Err(); err != nil {
			s.fill(&res, &scanned, &processed, &failures)
			return res, err
		}
		end := min(start+uint64(s.batchSize), next)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for id := start; id < end; id++ {
			g.Go(func() error {
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
				queued, err := s.visit(gctx, id)
				scanned.Add(1)
				scannedListings.Inc()
				switch {
				case err != nil:
					failures.Add(1)
					scanErrors.Inc()
					s.logger.Warn("scan: listing check failed", "listingId", id, "error", err)
				case queued:
					processed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.fill(&res, &scanned, &processed, &failures)
			return res, err
		}
	}
	s.fill(&res, &scanned, &processed, &failures)

	span.SetAttributes(
		attribute.Int("scan.scanned", res.Scanned),
		attribute.Int("scan.processed", res.Processed),
		attribute.Int("scan.errors", res.Errors),
	)
	s.logger.Info("scan complete",
		"scanned", res.Scanned,
		"processed", res.Processed,
		"errors", res.Errors,
		"nextId", res.NextID,
		"durationMs", time.Since(res.StartedAt).Milliseconds())
	return res, nil
}

// visit reports whether id was queued for release.
func (s *Scanner) visit(ctx context.Context, id uint64) (bool, error) {
	l, err := s.reader.GetListing(ctx, id)
	if err != nil {
		return false, err
	}
	if l.Status != listing.StatusBuyerConfirmed {
		return false, nil
	}
	// A job that is already waiting counts as processed.
	if _, err := s.enq.Enqueue(ctx, Job{ListingID: id, Action: chain.ActionRelease, Source: release.SourceScan}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scanner) fill(res *ScanResult, scanned, processed, failures *atomic.Int64) {
	res.Scanned = int(scanned.Load())
	res.Processed = int(processed.Load())
	res.Errors += int(failures.Load())
}
