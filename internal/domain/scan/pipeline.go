package scan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Policy controls how a pipeline reacts to a failing verdict.
type Policy string

const (
	// PolicyRunAll executes every scanner and partitions the verdicts.
	PolicyRunAll Policy = "run_all"
	// PolicyFailFast stops at the first failing verdict.
	PolicyFailFast Policy = "fail_fast"
)

// Cache memoizes pipeline reports by content fingerprint. Implementations
// must be single-flight: concurrent callers for the same key share one
// compute invocation. The bool result reports a cache hit.
type Cache interface {
	GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (Report, error)) (Report, bool, error)
}

// Options tunes pipeline behavior beyond the scanner list.
type Options struct {
	Policy       Policy
	ScanTimeout  time.Duration // soft per-scanner timeout, 0 disables
	BlockOnError bool          // fail closed on scanner error/timeout
}

// Pipeline runs an ordered set of scanners over a text and aggregates their
// verdicts into a Report. A pipeline with no scanners is an identity pipeline:
// it allows everything and never touches the cache.
type Pipeline struct {
	name     string
	scanners []Scanner
	cache    Cache
	opts     Options
	logger   *zap.Logger
}

// NewPipeline creates a pipeline. cache may be nil to disable memoization.
func NewPipeline(name string, scanners []Scanner, cache Cache, opts Options, logger *zap.Logger) *Pipeline {
	if opts.Policy == "" {
		opts.Policy = PolicyRunAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		name:     name,
		scanners: scanners,
		cache:    cache,
		opts:     opts,
		logger:   logger.With(zap.String("pipeline", name)),
	}
}

// Enabled reports whether the pipeline has any scanners to run.
func (p *Pipeline) Enabled() bool {
	return p != nil && len(p.scanners) > 0
}

// Run scans text and returns the aggregated report. Results are memoized by
// content fingerprint when a cache is attached; a disabled pipeline returns
// an allow-all report without cache interaction.
func (p *Pipeline) Run(ctx context.Context, text string) (Report, error) {
	report, _, err := p.RunCached(ctx, text)
	return report, err
}

// RunCached is Run plus whether the report came from the cache.
func (p *Pipeline) RunCached(ctx context.Context, text string) (Report, bool, error) {
	if !p.Enabled() {
		return Report{Allowed: true}, false, nil
	}
	if p.cache == nil {
		report, err := p.scan(ctx, text)
		return report, false, err
	}
	return p.cache.GetOrCompute(ctx, Fingerprint(text), func(ctx context.Context) (Report, error) {
		return p.scan(ctx, text)
	})
}

// scan executes the scanner list under the configured policy.
func (p *Pipeline) scan(ctx context.Context, text string) (Report, error) {
	report := Report{Allowed: true}
	for _, s := range p.scanners {
		start := time.Now()
		verdict := p.runOne(ctx, s, text)
		p.logger.Debug("Scanner verdict",
			zap.String("scanner", s.Name()),
			zap.Bool("passed", verdict.Passed),
			zap.Float64("risk_score", verdict.RiskScore),
			zap.Duration("elapsed", time.Since(start)),
		)

		if verdict.Passed {
			report.Passed = append(report.Passed, verdict)
			continue
		}

		report.Allowed = false
		report.Failed = append(report.Failed, verdict)
		if p.opts.Policy == PolicyFailFast {
			break
		}
	}
	return report, nil
}

// runOne invokes a single scanner under the soft timeout. Scanner inference
// is non-cancellable per call, so the timeout abandons the in-flight call
// rather than interrupting it; the verdict then follows the
// block_on_scanner_error policy (fail closed or fail open).
func (p *Pipeline) runOne(ctx context.Context, s Scanner, text string) Verdict {
	type result struct {
		verdict Verdict
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := s.Scan(ctx, text)
		resCh <- result{v, err}
	}()

	var timeout <-chan time.Time
	if p.opts.ScanTimeout > 0 {
		timer := time.NewTimer(p.opts.ScanTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return p.errorVerdict(s.Name(), fmt.Sprintf("scanner_error: %v", res.err))
		}
		res.verdict.ScannerName = s.Name()
		return res.verdict
	case <-timeout:
		p.logger.Warn("Scanner timed out", zap.String("scanner", s.Name()))
		return p.errorVerdict(s.Name(), "scanner_timeout")
	}
}

// errorVerdict applies the fail-open/fail-closed policy to a scanner failure.
func (p *Pipeline) errorVerdict(name, reason string) Verdict {
	if p.opts.BlockOnError {
		return Verdict{ScannerName: name, Passed: false, RiskScore: 1.0, Reason: reason}
	}
	return Verdict{ScannerName: name, Passed: true, RiskScore: 0, Reason: reason}
}
