package governor

import (
	"context"
	"fmt"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type alertKey struct {
	component string
	metric    domain.PressureMetric
	severity  domain.PressureSeverity
}

type componentPressure struct {
	latest       domain.PressureSample
	invalid      bool
	backpressure bool
	batchSize    int
	demotions    int
	throttled    bool
}

func (cp *componentPressure) mitigated() bool {
	return cp.backpressure || cp.throttled || cp.batchSize > 0 || cp.demotions > 0
}

type reading struct {
	metric   domain.PressureMetric
	value    float64
	warning  float64
	critical float64
	severity domain.PressureSeverity
}

func readings(s domain.PressureSample, warn, crit domain.PressureThresholds) []reading {
	rs := []reading{
		{metric: domain.MetricQueueLength, value: float64(s.QueueLength), warning: float64(warn.QueueLength), critical: float64(crit.QueueLength)},
		{metric: domain.MetricProcessingTime, value: s.ProcessingTime.Seconds(), warning: warn.ProcessingTime.Seconds(), critical: crit.ProcessingTime.Seconds()},
		{metric: domain.MetricMemoryUsage, value: s.MemoryUsage, warning: warn.MemoryUsage, critical: crit.MemoryUsage},
	}
	for i := range rs {
		rs[i].severity = classify(rs[i].value, rs[i].warning, rs[i].critical)
	}
	return rs
}

func classify(value, warning, critical float64) domain.PressureSeverity {
	switch {
	case critical > 0 && value > critical:
		return domain.PressureCritical
	case warning > 0 && value > warning:
		return domain.PressureWarning
	default:
		return domain.PressureNormal
	}
}

// RegisterTarget lets the governor put a manager into backpressure when its
// own samples go critical.
func (g *Governor) RegisterTarget(target ports.BackpressureTarget) {
	g.pressureMu.Lock()
	defer g.pressureMu.Unlock()
	g.targets[target.Identity().ComponentName] = target
}

func (g *Governor) state(component string) *componentPressure {
	cp, ok := g.components[component]
	if !ok {
		cp = &componentPressure{}
		g.components[component] = cp
	}
	return cp
}

// ObservePressure derives the mitigations for one sample. A (component,
// metric, severity) alert is emitted at most once per cooldown window, and
// mitigations are only re-applied with it. Critical readings escalate the
// component into backpressure until CheckResolution clears it.
func (g *Governor) ObservePressure(ctx context.Context, sample domain.PressureSample) []domain.Mitigation {
	cfg := g.cfg()
	now := g.now()
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = now
	}

	if err := sample.Validate(); err != nil {
		return g.unevaluable(ctx, cfg, sample, err)
	}

	g.pressureMu.Lock()
	cp := g.state(sample.Component)
	cp.latest = sample
	cp.invalid = false

	var (
		mitigations []domain.Mitigation
		alerts      []domain.AlertPayload
		escalate    []string
	)
	for _, r := range readings(sample, cfg.Thresholds, cfg.Critical) {
		if r.severity == domain.PressureNormal {
			continue
		}
		key := alertKey{component: sample.Component, metric: r.metric, severity: r.severity}
		if last, seen := g.lastAlert[key]; seen && now.Sub(last) < cfg.AlertCooldown {
			continue
		}
		g.lastAlert[key] = now

		threshold := r.warning
		if r.severity == domain.PressureCritical {
			threshold = r.critical
			escalate = append(escalate, fmt.Sprintf("%s %.3g > %.3g", r.metric, r.value, r.critical))
		}
		alerts = append(alerts, domain.AlertPayload{
			Component: sample.Component,
			Metric:    r.metric,
			Severity:  r.severity,
			Value:     r.value,
			Threshold: threshold,
			Message:   fmt.Sprintf("%s %s pressure on %s", r.severity, r.metric, sample.Component),
		})
		mitigations = append(mitigations, g.mitigate(cfg, cp, sample.Component, r)...)
	}
	if len(escalate) > 0 {
		mitigations = append(mitigations, g.demote(cp, sample.Component))
	}
	g.pressureMu.Unlock()

	for _, a := range alerts {
		g.logger.Warn("pressure alert", "target", a.Component, "metric", a.Metric, "severity", a.Severity,
			"value", a.Value, "threshold", a.Threshold)
		g.publish(ctx, domain.KindPressureAlert, a, domain.SystemTarget)
	}
	for _, m := range mitigations {
		g.apply(ctx, m)
	}
	if len(escalate) > 0 {
		g.escalate(ctx, sample.Component, escalate[0])
	}
	return mitigations
}

// unevaluable handles a sample that cannot be classified. Fail-closed treats
// it as critical; fail-open logs and admits.
func (g *Governor) unevaluable(ctx context.Context, cfg domain.GovernorConfig, sample domain.PressureSample, err error) []domain.Mitigation {
	if cfg.FailOpen {
		g.logger.Warn("ignoring unevaluable pressure sample", "target", sample.Component, "error", err)
		return nil
	}

	g.pressureMu.Lock()
	cp := g.state(sample.Component)
	cp.latest = sample
	cp.invalid = true
	g.pressureMu.Unlock()

	g.logger.Error("unevaluable pressure sample, assuming critical", "target", sample.Component, "error", err)
	g.escalate(ctx, sample.Component, string(domain.DenialEvaluationFail))
	return nil
}

func (g *Governor) mitigate(cfg domain.GovernorConfig, cp *componentPressure, component string, r reading) []domain.Mitigation {
	base := domain.Mitigation{Metric: r.metric, Severity: r.severity, Component: component}
	switch r.metric {
	case domain.MetricQueueLength:
		m := base
		m.Kind = domain.MitigationRateLimit
		m.RateLimit = cfg.ThrottleRate
		m.Burst = cfg.ThrottleBurst
		cp.throttled = true
		return []domain.Mitigation{m}
	case domain.MetricProcessingTime:
		current := cp.batchSize
		if current == 0 {
			current = cfg.DefaultBatchSize
		}
		next := current / 2
		if next < cfg.MinBatchSize {
			next = cfg.MinBatchSize
		}
		cp.batchSize = next
		m := base
		m.Kind = domain.MitigationReduceBatchSize
		m.BatchSize = next
		return []domain.Mitigation{m}
	case domain.MetricMemoryUsage:
		m := base
		m.Kind = domain.MitigationScaleUp
		m.ScaleUp = cfg.ScaleUpStep
		return []domain.Mitigation{m}
	}
	return nil
}

func (g *Governor) demote(cp *componentPressure, component string) domain.Mitigation {
	if cp.demotions < 3 {
		cp.demotions++
	}
	return domain.Mitigation{
		Kind:      domain.MitigationDemotePriority,
		Severity:  domain.PressureCritical,
		Component: component,
		Priority:  demoteN(domain.PriorityNormal, cp.demotions),
	}
}

func demoteN(p domain.Priority, n int) domain.Priority {
	for i := 0; i < n; i++ {
		p = p.Demote()
	}
	return p
}

func (g *Governor) apply(ctx context.Context, m domain.Mitigation) {
	g.metrics.MitigationApplied(m.Kind, m.Severity)

	switch m.Kind {
	case domain.MitigationRateLimit:
		if g.limiter != nil {
			g.limiter.SetLimit(m.Component, m.RateLimit, m.Burst)
		}
		g.publish(ctx, domain.KindRateLimitApplied, domain.ResourcePayload{Component: m.Component, Mitigation: &m}, domain.SystemTarget)
	case domain.MitigationReduceBatchSize:
		g.publish(ctx, domain.KindBatchSizeReduced, domain.ResourcePayload{Component: m.Component, Mitigation: &m}, domain.SystemTarget)
	case domain.MitigationDemotePriority:
		g.publish(ctx, domain.KindPriorityDemoted, domain.ResourcePayload{Component: m.Component, Mitigation: &m}, domain.SystemTarget)
	case domain.MitigationScaleUp:
		g.publish(ctx, domain.KindScaleUpRequest, domain.ResourcePayload{
			Component:  m.Component,
			Resources:  m.ScaleUp,
			Mitigation: &m,
			Reason:     "memory pressure",
		}, domain.ResourceManagerTarget)
	}
	g.logger.Info("mitigation applied", "kind", m.Kind, "target", m.Component, "severity", m.Severity)
}

// escalate puts the owning manager, or every registered manager when the
// component is not one of them, into backpressure.
func (g *Governor) escalate(ctx context.Context, component, reason string) {
	g.pressureMu.Lock()
	cp := g.state(component)
	already := cp.backpressure
	cp.backpressure = true
	var targets []ports.BackpressureTarget
	if !already {
		for _, t := range g.targetsFor(component) {
			if g.hold(t.Identity().ComponentName, component) {
				targets = append(targets, t)
			}
		}
	}
	g.pressureMu.Unlock()

	if !g.backpressure.Swap(true) {
		g.metrics.Backpressure(true)
	}
	if already {
		return
	}

	for _, t := range targets {
		if err := t.EnterBackpressure(reason); err != nil {
			g.logger.Warn("target refused backpressure", "target", t.Identity().ComponentName, "error", err)
		}
	}
	g.logger.Warn("entered backpressure", "target", component, "reason", reason)
	g.publish(ctx, domain.KindBackpressureEnter, domain.ResourcePayload{Component: component, Reason: reason}, domain.SystemTarget)
}

// hold records that component keeps target in backpressure and reports
// whether it is the first to do so.
func (g *Governor) hold(target, component string) bool {
	holders, ok := g.holders[target]
	if !ok {
		holders = make(map[string]struct{})
		g.holders[target] = holders
	}
	first := len(holders) == 0
	holders[component] = struct{}{}
	return first
}

// releaseHolds drops component from every target it holds and returns the
// targets nothing holds any more.
func (g *Governor) releaseHolds(component string) []ports.BackpressureTarget {
	var freed []ports.BackpressureTarget
	for name, holders := range g.holders {
		if _, ok := holders[component]; !ok {
			continue
		}
		delete(holders, component)
		if len(holders) > 0 {
			continue
		}
		delete(g.holders, name)
		if t, ok := g.targets[name]; ok {
			freed = append(freed, t)
		}
	}
	return freed
}

func (g *Governor) targetsFor(component string) []ports.BackpressureTarget {
	if t, ok := g.targets[component]; ok {
		return []ports.BackpressureTarget{t}
	}
	out := make([]ports.BackpressureTarget, 0, len(g.targets))
	for _, t := range g.targets {
		out = append(out, t)
	}
	return out
}

// CheckResolution lifts the mitigations of every component whose latest
// sample is back under the warning thresholds. A target leaves backpressure
// only once no critical component holds it. It reports whether backpressure
// is over.
func (g *Governor) CheckResolution(ctx context.Context) bool {
	cfg := g.cfg()

	type resolved struct {
		component string
		targets   []ports.BackpressureTarget
		throttled bool
	}
	var done []resolved

	g.pressureMu.Lock()
	for name, cp := range g.components {
		if !cp.mitigated() || cp.invalid {
			continue
		}
		clear := true
		for _, r := range readings(cp.latest, cfg.Thresholds, cfg.Critical) {
			if r.severity != domain.PressureNormal {
				clear = false
				break
			}
		}
		if !clear {
			continue
		}
		r := resolved{component: name, throttled: cp.throttled}
		if cp.backpressure {
			r.targets = g.releaseHolds(name)
		}
		done = append(done, r)
		cp.backpressure = false
		cp.batchSize = 0
		cp.demotions = 0
		cp.throttled = false
		for key := range g.lastAlert {
			if key.component == name {
				delete(g.lastAlert, key)
			}
		}
	}
	remaining := false
	for _, cp := range g.components {
		if cp.backpressure {
			remaining = true
			break
		}
	}
	g.pressureMu.Unlock()

	for _, r := range done {
		if r.throttled && g.limiter != nil {
			g.limiter.Reset(r.component)
		}
		for _, t := range r.targets {
			if err := t.ExitBackpressure(); err != nil {
				g.logger.Warn("target failed to exit backpressure", "target", t.Identity().ComponentName, "error", err)
			}
		}
		g.logger.Info("pressure resolved", "target", r.component)
		g.publish(ctx, domain.KindPressureResolved, domain.AlertPayload{
			Component: r.component,
			Severity:  domain.PressureNormal,
			Message:   "pressure back under threshold",
		}, domain.SystemTarget)
		g.publish(ctx, domain.KindBackpressureExit, domain.ResourcePayload{Component: r.component}, domain.SystemTarget)
	}

	if !remaining && g.backpressure.Swap(false) {
		g.metrics.Backpressure(false)
	}
	return !remaining
}

// Admit applies any rate limit the governor has placed on component.
func (g *Governor) Admit(component string) bool {
	if g.limiter == nil || !g.limiter.Limited(component) {
		return true
	}
	return g.limiter.Allow(component)
}

func (g *Governor) BatchSize(component string) int {
	g.pressureMu.Lock()
	defer g.pressureMu.Unlock()
	if cp, ok := g.components[component]; ok && cp.batchSize > 0 {
		return cp.batchSize
	}
	return g.cfg().DefaultBatchSize
}

func (g *Governor) AdjustPriority(component string, p domain.Priority) domain.Priority {
	g.pressureMu.Lock()
	defer g.pressureMu.Unlock()
	if cp, ok := g.components[component]; ok {
		return demoteN(p, cp.demotions)
	}
	return p
}

func (g *Governor) publish(ctx context.Context, kind domain.MessageKind, payload domain.Payload, target string) {
	if g.publisher == nil {
		return
	}
	msg := domain.NewMessage(kind, payload, g.identity, target)
	if err := g.publisher.Publish(context.WithoutCancel(ctx), msg); err != nil {
		g.logger.Debug("failed to publish governor message", "kind", kind, "error", err)
	}
}

func withDefaults(c domain.GovernorConfig) domain.GovernorConfig {
	d := domain.DefaultGovernorConfig()
	if c.Capacity.IsZero() {
		c.Capacity = d.Capacity
	}
	if c.Thresholds == (domain.PressureThresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.Critical == (domain.PressureThresholds{}) {
		c.Critical = c.Thresholds
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.ResolutionInterval <= 0 {
		c.ResolutionInterval = d.ResolutionInterval
	}
	if c.ThrottleRate <= 0 {
		c.ThrottleRate = d.ThrottleRate
	}
	if c.ThrottleBurst <= 0 {
		c.ThrottleBurst = d.ThrottleBurst
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = d.DefaultBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	return c
}
