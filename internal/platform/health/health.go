package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Probe names an in-process dependency and the check that proves it usable.
type Probe struct {
	Name  string
	Check func(context.Context) error
}

// CheckReport captures the outcome of running a single probe.
type CheckReport struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Report aggregates readiness across probes.
type Report struct {
	Status    string        `json:"status"`
	CheckedAt time.Time     `json:"checkedAt"`
	Checks    []CheckReport `json:"checks"`
}

// Ready reports whether every probe passed.
func (r Report) Ready() bool {
	return r.Status == "ready"
}

// Checker evaluates readiness of the application's components.
type Checker struct {
	probes  []Probe
	timeout time.Duration
}

// NewChecker returns a checker running the given probes with a per-probe timeout.
func NewChecker(probes []Probe, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{probes: probes, timeout: timeout}
}

// Readiness runs every probe concurrently and returns an aggregated report.
func (c *Checker) Readiness(ctx context.Context) Report {
	if len(c.probes) == 0 {
		return Report{Status: "ready", CheckedAt: time.Now().UTC()}
	}

	results := make([]CheckReport, len(c.probes))
	var wg sync.WaitGroup

	for idx, probe := range c.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = c.run(ctx, p)
		}(idx, probe)
	}

	wg.Wait()

	report := Report{
		Status:    "ready",
		CheckedAt: time.Now().UTC(),
		Checks:    results,
	}
	for _, r := range results {
		if !r.Healthy {
			report.Status = "degraded"
			break
		}
	}

	return report
}

func (c *Checker) run(ctx context.Context, probe Probe) (report CheckReport) {
	report = CheckReport{Name: probe.Name, CheckedAt: time.Now().UTC()}
	if probe.Check == nil {
		report.Error = "probe has no check"
		return report
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("probe panicked: %v", rec)
			}
		}()
		done <- probe.Check(checkCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			report.Error = err.Error()
			return report
		}
	case <-checkCtx.Done():
		err := checkCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			report.Error = fmt.Sprintf("probe timed out after %s", c.timeout)
		} else {
			report.Error = err.Error()
		}
		return report
	}

	report.Healthy = true
	return report
}
