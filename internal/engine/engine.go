package engine

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/metrics"
	"github.com/devflow-metrics/devflow/internal/models"
	"github.com/devflow-metrics/devflow/internal/source"
)

const defaultSourceTimeout = 10 * time.Second

// Engine aggregates metrics across every enabled source instance. One
// slow or broken source costs its own contribution, never the result.
type Engine struct {
	registry      *source.Registry
	sourceTimeout time.Duration
	logger        *zap.Logger
}

// New builds an engine over the registry. Each listing call a metric
// fans out is bounded by sourceTimeout.
func New(registry *source.Registry, sourceTimeout time.Duration, log *zap.Logger) *Engine {
	if sourceTimeout <= 0 {
		sourceTimeout = defaultSourceTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		registry:      registry,
		sourceTimeout: sourceTimeout,
		logger:        log,
	}
}

// DeploymentFrequency computes successful deployments per day over w.
func (e *Engine) DeploymentFrequency(ctx context.Context, w models.Window) (models.MetricResult, error) {
	started := time.Now()
	deps, sources, degraded, err := e.collectDeployments(ctx, w)
	if err != nil {
		return models.MetricResult{}, err
	}
	value, successful := DeploymentFrequency(deps, w)
	res := e.newResult(models.MetricDeploymentFrequency, value, models.UnitDeploysPerDay, w, sources, degraded, map[string]string{
		"successful":        strconv.Itoa(successful),
		"total_deployments": strconv.Itoa(len(deps)),
	})
	e.finish(res, started)
	return res, nil
}

// LeadTime computes mean hours from change creation to merge over w.
func (e *Engine) LeadTime(ctx context.Context, w models.Window) (models.MetricResult, error) {
	started := time.Now()
	changes, sources, degraded, err := e.collectChanges(ctx, w)
	if err != nil {
		return models.MetricResult{}, err
	}
	value, merged := LeadTimeHours(changes)
	res := e.newResult(models.MetricLeadTime, value, models.UnitHours, w, sources, degraded, map[string]string{
		"merged_changes": strconv.Itoa(merged),
		"total_changes":  strconv.Itoa(len(changes)),
	})
	e.finish(res, started)
	return res, nil
}

// ChangeFailureRate computes the failed percentage of deployments over w.
func (e *Engine) ChangeFailureRate(ctx context.Context, w models.Window) (models.MetricResult, error) {
	started := time.Now()
	deps, sources, degraded, err := e.collectDeployments(ctx, w)
	if err != nil {
		return models.MetricResult{}, err
	}
	value, failed := ChangeFailureRate(deps)
	res := e.newResult(models.MetricChangeFailureRate, value, models.UnitPercentage, w, sources, degraded, map[string]string{
		"failed":            strconv.Itoa(failed),
		"total_deployments": strconv.Itoa(len(deps)),
	})
	e.finish(res, started)
	return res, nil
}

// MeanTimeToRecovery computes mean hours from incident onset to
// resolution over w.
func (e *Engine) MeanTimeToRecovery(ctx context.Context, w models.Window) (models.MetricResult, error) {
	started := time.Now()
	incidents, sources, degraded, err := e.collectIncidents(ctx, w)
	if err != nil {
		return models.MetricResult{}, err
	}
	value, resolved := MTTRHours(incidents)
	res := e.newResult(models.MetricMTTR, value, models.UnitHours, w, sources, degraded, map[string]string{
		"resolved_incidents": strconv.Itoa(resolved),
		"total_incidents":    strconv.Itoa(len(incidents)),
	})
	e.finish(res, started)
	return res, nil
}

// Dashboard computes all four metrics concurrently over the same window.
func (e *Engine) Dashboard(ctx context.Context, w models.Window) (map[models.MetricType]models.MetricResult, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		results  = make(map[models.MetricType]models.MetricResult, 4)
		firstErr error
	)
	compute := func(fn func(context.Context, models.Window) (models.MetricResult, error)) {
		defer wg.Done()
		res, err := fn(ctx, w)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		results[res.Metric] = res
	}

	wg.Add(4)
	go compute(e.DeploymentFrequency)
	go compute(e.LeadTime)
	go compute(e.ChangeFailureRate)
	go compute(e.MeanTimeToRecovery)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (e *Engine) newResult(metric models.MetricType, value float64, unit string, w models.Window, sources, degraded []string, meta map[string]string) models.MetricResult {
	return models.MetricResult{
		ID:          uuid.NewString(),
		Metric:      metric,
		Value:       value,
		Unit:        unit,
		ComputedAt:  time.Now().UTC(),
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Sources:     sources,
		Degraded:    degraded,
		Metadata:    meta,
	}
}

func (e *Engine) finish(res models.MetricResult, started time.Time) {
	metrics.ObserveComputation(string(res.Metric), time.Since(started))
	e.logger.Info("metric computed",
		zap.String("metric", string(res.Metric)),
		zap.Float64("value", res.Value),
		zap.Strings("sources", res.Sources),
		zap.Strings("degraded", res.Degraded),
		zap.Duration("took", time.Since(started)))
}

// collectDeployments fans ListDeployments out to every enabled instance
// and joins the answers. Degraded instances are reported by name, not
// as errors; only caller cancellation aborts the join, discarding
// partials.
func (e *Engine) collectDeployments(ctx context.Context, w models.Window) ([]models.Deployment, []string, []string, error) {
	instances := e.registry.EnabledInstances()

	type answer struct {
		name  string
		items []models.Deployment
		ok    bool
	}
	answers := make(chan answer, len(instances))
	for _, inst := range instances {
		go func(inst source.Instance) {
			callCtx, cancel := context.WithTimeout(ctx, e.sourceTimeout)
			defer cancel()
			items, ok := inst.Source.ListDeployments(callCtx, w)
			answers <- answer{name: inst.Config.Name, items: items, ok: ok}
		}(inst)
	}

	var (
		items    []models.Deployment
		sources  []string
		degraded []string
	)
	for range instances {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case a := <-answers:
			if !a.ok {
				degraded = append(degraded, a.name)
				continue
			}
			sources = append(sources, a.name)
			items = append(items, a.items...)
		}
	}
	sort.Strings(sources)
	sort.Strings(degraded)
	return items, sources, degraded, nil
}

func (e *Engine) collectIncidents(ctx context.Context, w models.Window) ([]models.Incident, []string, []string, error) {
	instances := e.registry.EnabledInstances()

	type answer struct {
		name  string
		items []models.Incident
		ok    bool
	}
	answers := make(chan answer, len(instances))
	for _, inst := range instances {
		go func(inst source.Instance) {
			callCtx, cancel := context.WithTimeout(ctx, e.sourceTimeout)
			defer cancel()
			items, ok := inst.Source.ListIncidents(callCtx, w)
			answers <- answer{name: inst.Config.Name, items: items, ok: ok}
		}(inst)
	}

	var (
		items    []models.Incident
		sources  []string
		degraded []string
	)
	for range instances {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case a := <-answers:
			if !a.ok {
				degraded = append(degraded, a.name)
				continue
			}
			sources = append(sources, a.name)
			items = append(items, a.items...)
		}
	}
	sort.Strings(sources)
	sort.Strings(degraded)
	return items, sources, degraded, nil
}

func (e *Engine) collectChanges(ctx context.Context, w models.Window) ([]models.Change, []string, []string, error) {
	instances := e.registry.EnabledInstances()

	type answer struct {
		name  string
		items []models.Change
		ok    bool
	}
	answers := make(chan answer, len(instances))
	for _, inst := range instances {
		go func(inst source.Instance) {
			callCtx, cancel := context.WithTimeout(ctx, e.sourceTimeout)
			defer cancel()
			items, ok := inst.Source.ListChanges(callCtx, w)
			answers <- answer{name: inst.Config.Name, items: items, ok: ok}
		}(inst)
	}

	var (
		items    []models.Change
		sources  []string
		degraded []string
	)
	for range instances {
		select {
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		case a := <-answers:
			if !a.ok {
				degraded = append(degraded, a.name)
				continue
			}
			sources = append(sources, a.name)
			items = append(items, a.items...)
		}
	}
	sort.Strings(sources)
	sort.Strings(degraded)
	return items, sources, degraded, nil
}
