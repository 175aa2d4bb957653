// Package poller is the Market Poller (C11): a ticker-driven loop that pulls
// due rules, fetches fresh market samples, batch-evaluates them, and
// dispatches triggered rules to the Execution Coordinator through a bounded
// worker pool, grounded on the teacher pack's Executor.Run select-loop
// shape (ticker + control channels + graceful drain on cancel).
package poller

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/internal/coordinator"
	"github.com/blackpool/ruleswap/internal/evaluator"
	"github.com/blackpool/ruleswap/internal/store"
)

// RuleSource is the subset of the Rule Store the poller needs.
type RuleSource interface {
	DueRules(now time.Time) ([]store.Rule, error)
}

// MarketFetcher is the subset of the Market Client the poller needs.
type MarketFetcher interface {
	Fetch(ctx context.Context, marketID string) (evaluator.Sample, error)
}

// RuleExecutor is the subset of the Execution Coordinator the poller needs.
type RuleExecutor interface {
	ExecuteRule(ctx context.Context, rule store.Rule, sample evaluator.Sample) coordinator.Result
}

// TickReport summarizes one poll cycle, generalized from the teacher pack's
// JSON tick-summary event stream into a structured value emitted on an
// internal channel for cmd/ruleswapd logging and test assertions.
type TickReport struct {
	StartedAt      time.Time
	Duration       time.Duration
	RulesDue       int
	MarketsNeeded  int
	MarketsFetched int
	MarketsFailed  int
	Triggered      int
	Executed       int
	Failed         int
	Paused         bool
}

// Config bundles the poller's constructor dependencies.
type Config struct {
	Rules         RuleSource
	Market        MarketFetcher
	Coordinator   RuleExecutor
	PollInterval  time.Duration
	MaxConcurrent int

	// GlobalErrorWindow/GlobalErrorThreshold configure the process-wide
	// circuit breaker: distinct from the coordinator's per-rule breaker,
	// this one pauses the whole poller when executions fail systemically
	// (e.g. an RPC outage hammering every rule's retry budget at once).
	GlobalErrorWindow    time.Duration
	GlobalErrorThreshold int

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Poller is the Market Poller.
type Poller struct {
	rules       RuleSource
	market      MarketFetcher
	coordinator RuleExecutor

	pollInterval  time.Duration
	maxConcurrent int

	globalBreaker *coordinator.CircuitBreaker

	paused   bool
	pausedMu sync.Mutex

	pauseCh   chan struct{}
	resumeCh  chan struct{}
	triggerCh chan chan TickReport
	reportCh  chan TickReport

	ticksTotal     prometheus.Counter
	triggeredTotal prometheus.Counter
	executedTotal  prometheus.Counter
	failedTotal    prometheus.Counter
	tickDuration   prometheus.Histogram

	logger *slog.Logger
}

// globalBreakerKey is the sentinel rule id the process-wide breaker tracks
// under, distinct from any real rule id.
const globalBreakerKey = uint64(0)

// New constructs a Poller. PollInterval and MaxConcurrent default to 30s and
// 4 respectively when zero.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "poller"))

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 4
	}
	window := cfg.GlobalErrorWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	threshold := cfg.GlobalErrorThreshold
	if threshold <= 0 {
		threshold = 10
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Poller{
		rules:         cfg.Rules,
		market:        cfg.Market,
		coordinator:   cfg.Coordinator,
		pollInterval:  interval,
		maxConcurrent: concurrency,
		globalBreaker: coordinator.NewCircuitBreaker(window, threshold),
		pauseCh:       make(chan struct{}, 1),
		resumeCh:      make(chan struct{}, 1),
		triggerCh:     make(chan chan TickReport),
		reportCh:      make(chan TickReport, 8),
		logger:        logger,
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ruleswap_poller_ticks_total",
			Help: "Total poller ticks processed.",
		}),
		triggeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ruleswap_poller_triggered_total",
			Help: "Total rule evaluations that triggered a coordinator dispatch.",
		}),
		executedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ruleswap_poller_executed_total",
			Help: "Total coordinator dispatches that reported success.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ruleswap_poller_failed_total",
			Help: "Total coordinator dispatches that reported failure.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruleswap_poller_tick_duration_seconds",
			Help:    "Duration of a full poll tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{p.ticksTotal, p.triggeredTotal, p.executedTotal, p.failedTotal, p.tickDuration} {
		if err := reg.Register(c); err != nil {
			logger.Debug("metric already registered", slog.Any("error", err))
		}
	}
	return p
}

// Reports returns the channel TickReports are published on. Consumers must
// drain it or the poller's tick loop will block once the buffer fills.
func (p *Poller) Reports() <-chan TickReport { return p.reportCh }

// Pause suspends future ticks without tearing down the Run loop.
func (p *Poller) Pause() {
	select {
	case p.pauseCh <- struct{}{}:
	default:
	}
}

// Resume lifts a Pause and clears the process-wide circuit breaker's trip
// state, used when an operator has investigated and resolved a systemic
// failure.
func (p *Poller) Resume() {
	select {
	case p.resumeCh <- struct{}{}:
	default:
	}
}

// TriggerManual forces an immediate tick outside the regular interval and
// returns its report, ignoring the paused/tripped state so an operator can
// probe a specific failure. Blocks until the tick completes or ctx is done.
func (p *Poller) TriggerManual(ctx context.Context) (TickReport, error) {
	respCh := make(chan TickReport, 1)
	select {
	case p.triggerCh <- respCh:
	case <-ctx.Done():
		return TickReport{}, ctx.Err()
	}
	select {
	case report := <-respCh:
		return report, nil
	case <-ctx.Done():
		return TickReport{}, ctx.Err()
	}
}

// Run starts the poller's main loop. It ticks every PollInterval, dispatches
// pause/resume/manual-trigger control messages, and returns when ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", slog.Duration("interval", p.pollInterval))
	defer p.logger.Info("poller stopped")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-p.pauseCh:
			p.setPaused(true)
			p.logger.Info("poller paused")

		case <-p.resumeCh:
			p.setPaused(false)
			p.globalBreaker.Reset(globalBreakerKey)
			p.logger.Info("poller resumed")

		case respCh := <-p.triggerCh:
			report := p.tick(ctx)
			respCh <- report

		case <-ticker.C:
			if p.isPaused() || p.globalBreaker.Tripped(globalBreakerKey) {
				p.logger.Debug("tick skipped: poller paused or breaker tripped")
				continue
			}
			report := p.tick(ctx)
			p.publish(report)
		}
	}
}

func (p *Poller) setPaused(v bool) {
	p.pausedMu.Lock()
	defer p.pausedMu.Unlock()
	p.paused = v
}

func (p *Poller) isPaused() bool {
	p.pausedMu.Lock()
	defer p.pausedMu.Unlock()
	return p.paused
}

func (p *Poller) publish(report TickReport) {
	select {
	case p.reportCh <- report:
	default:
		p.logger.Warn("tick report dropped: report channel full")
	}
}

// tick runs one full poll cycle: due-rule snapshot, per-market fetch with
// failure isolation, batch evaluation, and bounded dispatch to the
// coordinator.
func (p *Poller) tick(ctx context.Context) TickReport {
	start := time.Now().UTC()
	report := TickReport{StartedAt: start}
	p.ticksTotal.Inc()
	defer func() {
		report.Duration = time.Since(start)
		p.tickDuration.Observe(report.Duration.Seconds())
	}()

	due, err := p.rules.DueRules(start)
	if err != nil {
		p.logger.Warn("due rules fetch failed", slog.Any("error", err))
		p.globalBreaker.RecordError(globalBreakerKey, start, false)
		return report
	}
	report.RulesDue = len(due)
	if len(due) == 0 {
		return report
	}

	marketIDs := uniqueMarketIDs(due)
	report.MarketsNeeded = len(marketIDs)

	samples, fetched, failed := p.fetchSamples(ctx, marketIDs)
	report.MarketsFetched = fetched
	report.MarketsFailed = failed

	results := evaluator.BatchEvaluate(due, samples, start)

	var mu sync.Mutex
	group := new(errgroup.Group)
	group.SetLimit(p.maxConcurrent)
	for _, r := range results {
		if !r.Decision.Trigger {
			continue
		}
		report.Triggered++
		result := r
		group.Go(func() error {
			outcome := p.coordinator.ExecuteRule(ctx, result.Rule, samples[result.Rule.MarketID])
			mu.Lock()
			defer mu.Unlock()
			if outcome.Success {
				report.Executed++
				p.executedTotal.Inc()
			} else {
				report.Failed++
				p.failedTotal.Inc()
				if isSystemicFailure(outcome.Message) {
					p.globalBreaker.RecordError(globalBreakerKey, time.Now().UTC(), false)
				}
			}
			return nil
		})
	}
	_ = group.Wait()
	p.triggeredTotal.Add(float64(report.Triggered))

	report.Paused = p.globalBreaker.Tripped(globalBreakerKey)
	return report
}

// fetchSamples fetches a fresh sample per market id through a bounded worker
// pool; a single market's fetch failure never aborts the others.
func (p *Poller) fetchSamples(ctx context.Context, marketIDs []string) (map[string]evaluator.Sample, int, int) {
	samples := make(map[string]evaluator.Sample, len(marketIDs))
	var mu sync.Mutex
	var fetched, failed int

	group := new(errgroup.Group)
	group.SetLimit(p.maxConcurrent)
	for _, id := range marketIDs {
		marketID := id
		group.Go(func() error {
			sample, err := p.market.Fetch(ctx, marketID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("market fetch failed", slog.String("market_id", marketID), slog.Any("error", err))
				failed++
				return nil
			}
			samples[marketID] = sample
			fetched++
			return nil
		})
	}
	_ = group.Wait()
	return samples, fetched, failed
}

func uniqueMarketIDs(rules []store.Rule) []string {
	seen := make(map[string]bool, len(rules))
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		if seen[r.MarketID] {
			continue
		}
		seen[r.MarketID] = true
		ids = append(ids, r.MarketID)
	}
	return ids
}

// isSystemicFailure reports whether a coordinator failure message looks like
// infrastructure trouble (lock/store/upstream) rather than a rule-specific
// condition (insufficient funds, disabled, already in progress) that should
// not count against the process-wide breaker.
func isSystemicFailure(message string) bool {
	if strings.Contains(message, string(apperr.InsufficientFunds)) {
		return false
	}
	switch message {
	case "disabled", "circuit breaker tripped", "already in progress", "already confirmed":
		return false
	default:
		return true
	}
}
