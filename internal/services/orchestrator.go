package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coinsentry/coinsentry-go/internal/config"
	"github.com/coinsentry/coinsentry-go/internal/errs"
	"github.com/coinsentry/coinsentry-go/internal/models"
)

// SymbolStatus is the per-symbol view exposed by the operational API.
type SymbolStatus struct {
	Symbol    string    `json:"symbol"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
}

// Orchestrator drives the repeating per-symbol pipeline: collect,
// analyze, evaluate, dispatch. Symbols run concurrently on a bounded
// worker pool; each symbol's tick runs its stages sequentially and is
// bounded by the tick deadline. A symbol whose previous tick is still
// running is skipped, so per-symbol ticks stay ordered.
type Orchestrator struct {
	symbols    []models.Symbol
	collector  *Collector
	engine     *AnalysisEngine
	evaluator  *AlertEvaluator
	dispatcher *Dispatcher
	logger     *logrus.Logger
	tracer     trace.Tracer

	pollInterval time.Duration
	tickDeadline time.Duration
	poolSize     int

	mu       sync.Mutex
	statuses map[string]*SymbolStatus
	inFlight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the pipeline scheduler. A zero worker pool size
// is replaced by the host's logical CPU count.
func NewOrchestrator(symbols []models.Symbol, collector *Collector, engine *AnalysisEngine,
	evaluator *AlertEvaluator, dispatcher *Dispatcher, cfg config.PipelineConfig,
	tracer trace.Tracer, logger *logrus.Logger) *Orchestrator {

	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		if counts, err := cpu.Counts(true); err == nil && counts > 0 {
			poolSize = counts
		} else {
			poolSize = 4
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	statuses := make(map[string]*SymbolStatus, len(symbols))
	for _, symbol := range symbols {
		statuses[symbol.Name] = &SymbolStatus{Symbol: symbol.Name}
	}

	return &Orchestrator{
		symbols:      symbols,
		collector:    collector,
		engine:       engine,
		evaluator:    evaluator,
		dispatcher:   dispatcher,
		logger:       logger,
		tracer:       tracer,
		pollInterval: cfg.PollInterval,
		tickDeadline: cfg.TickDeadline,
		poolSize:     poolSize,
		statuses:     statuses,
		inFlight:     make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start reloads restart-recoverable state and launches the tick loop.
func (o *Orchestrator) Start() error {
	if err := o.evaluator.LoadStates(o.ctx); err != nil {
		return err
	}

	o.logger.WithFields(logrus.Fields{
		"symbols":       len(o.symbols),
		"poll_interval": o.pollInterval.String(),
		"worker_pool":   o.poolSize,
	}).Info("Starting pipeline orchestrator")

	o.wg.Add(1)
	go o.run()
	return nil
}

// Stop cancels the loop and waits for in-flight ticks to finish.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.logger.Info("Pipeline orchestrator stopped")
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// First tick immediately rather than waiting a full interval.
	o.runTick()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.runTick()
		}
	}
}

// runTick fans the symbol set out to the worker pool.
func (o *Orchestrator) runTick() {
	slots := make(chan struct{}, o.poolSize)
	var tickWG sync.WaitGroup

	for _, symbol := range o.symbols {
		if o.ctx.Err() != nil {
			break
		}
		if !o.markRunning(symbol.Name) {
			o.logger.WithField("symbol", symbol.Name).
				Debug("Previous tick still running, skipping symbol")
			continue
		}

		slots <- struct{}{}
		tickWG.Add(1)
		o.wg.Add(1)
		go func(sym models.Symbol) {
			defer o.wg.Done()
			defer tickWG.Done()
			defer func() { <-slots }()
			defer o.markDone(sym.Name)
			o.runSymbolTick(sym)
		}(symbol)
	}

	tickWG.Wait()
}

// runSymbolTick runs one symbol's pipeline under the tick deadline.
// A deadline overrun abandons the tick; whatever the in-flight call
// produces later is discarded with it.
func (o *Orchestrator) runSymbolTick(symbol models.Symbol) {
	ctx, cancel := context.WithTimeout(o.ctx, o.tickDeadline)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "pipeline.tick",
		trace.WithAttributes(attribute.String("symbol", symbol.Name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"symbol": symbol.Name,
				"panic":  r,
			}).Error("Symbol pipeline panicked, isolating failure")
			o.setError(symbol.Name, "panic during pipeline tick")
		}
	}()

	var tickErr error

	point := o.collectStage(ctx, symbol, &tickErr)
	analysis := o.analyzeStage(ctx, symbol, &tickErr)

	_, evalSpan := o.tracer.Start(ctx, "pipeline.evaluate")
	events := o.evaluator.EvaluateSymbol(ctx, symbol.Name, point, analysis)
	evalSpan.End()

	for _, event := range events {
		_, dispatchSpan := o.tracer.Start(ctx, "pipeline.dispatch")
		if err := o.dispatcher.DispatchAlert(ctx, event); err != nil {
			// Undelivered events stay archived; nothing else to do here.
			tickErr = err
		}
		dispatchSpan.End()
	}

	o.finishTick(symbol.Name, tickErr)
}

func (o *Orchestrator) collectStage(ctx context.Context, symbol models.Symbol, tickErr *error) *models.MarketDataPoint {
	ctx, span := o.tracer.Start(ctx, "pipeline.collect")
	defer span.End()

	point, err := o.collector.Collect(ctx, symbol)
	if err != nil {
		// Evaluation continues on whatever cached data remains valid.
		o.logger.WithFields(logrus.Fields{
			"symbol": symbol.Name,
			"error":  err.Error(),
		}).Warn("Collection failed this tick")
		*tickErr = err
	}
	return point
}

func (o *Orchestrator) analyzeStage(ctx context.Context, symbol models.Symbol, tickErr *error) *models.AnalysisResult {
	ctx, span := o.tracer.Start(ctx, "pipeline.analyze")
	defer span.End()

	analysis, err := o.engine.Analyze(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrAnalysisUnavailable) {
			o.logger.WithField("symbol", symbol.Name).
				Info("Analysis unavailable this cycle, dependent rules will be skipped")
		} else {
			*tickErr = err
		}
		return nil
	}
	return analysis
}

func (o *Orchestrator) markRunning(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[symbol] {
		return false
	}
	o.inFlight[symbol] = true
	if status, ok := o.statuses[symbol]; ok {
		status.Running = true
	}
	return true
}

func (o *Orchestrator) markDone(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, symbol)
	if status, ok := o.statuses[symbol]; ok {
		status.Running = false
	}
}

func (o *Orchestrator) finishTick(symbol string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status, ok := o.statuses[symbol]; ok {
		status.LastRunAt = time.Now()
		if err != nil {
			status.LastError = err.Error()
		} else {
			status.LastError = ""
		}
	}
}

func (o *Orchestrator) setError(symbol, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status, ok := o.statuses[symbol]; ok {
		status.LastError = message
	}
}

// Status snapshots the per-symbol pipeline state.
func (o *Orchestrator) Status() []SymbolStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	statuses := make([]SymbolStatus, 0, len(o.statuses))
	for _, status := range o.statuses {
		statuses = append(statuses, *status)
	}
	return statuses
}
