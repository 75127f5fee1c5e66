package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole probe fan-out. Anything still
// unanswered when it expires is reported as down.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one dependency check (Postgres, SQS, Redis). Check must
// honor the context deadline.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

const (
	healthStateUp   = "healthy"
	healthStateDown = "unhealthy"
)

type probeReport struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthReport struct {
	Status     string                 `json:"status"`
	Components map[string]probeReport `json:"components,omitempty"`
}

// HandleHealth serves GET /health. Every registered probe runs in its own
// goroutine; the aggregate is 200 only when all of them answer clean before
// the deadline. The endpoint is public and carries no auth.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthReport{Status: healthStateUp})
		return
	}

	type outcome struct {
		idx int
		err error
	}
	outcomes := make(chan outcome, len(probes))
	for i, p := range probes {
		go func(i int, p HealthProbe) {
			outcomes <- outcome{idx: i, err: runProbe(ctx, p)}
		}(i, p)
	}

	errs := make([]error, len(probes))
	answered := make([]bool, len(probes))
	pending := len(probes)
collect:
	for pending > 0 {
		select {
		case o := <-outcomes:
			errs[o.idx] = o.err
			answered[o.idx] = true
			pending--
		case <-ctx.Done():
			break collect
		}
	}

	report := healthReport{
		Status:     healthStateUp,
		Components: make(map[string]probeReport, len(probes)),
	}
	for i, p := range probes {
		switch {
		case !answered[i]:
			report.Status = healthStateDown
			report.Components[p.Name()] = probeReport{
				Status:  healthStateDown,
				Message: "health check timed out",
			}
		case errs[i] != nil:
			report.Status = healthStateDown
			report.Components[p.Name()] = probeReport{
				Status:  healthStateDown,
				Message: errs[i].Error(),
			}
		default:
			report.Components[p.Name()] = probeReport{Status: healthStateUp}
		}
	}

	code := http.StatusOK
	if report.Status != healthStateUp {
		code = http.StatusServiceUnavailable
	}
	JSON(w, r, code, report)
}

// runProbe shields the handler from a panicking probe. A nil pointer deep
// inside an SDK client must read as that dependency being down, not as a
// crashed health endpoint.
func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("probe panicked: %v", v)
		}
	}()
	return p.Check(ctx)
}
