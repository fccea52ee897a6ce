// Package admission gates job entry: it evaluates policy checks at
// submission time and records the decision, QUEUED or REJECTED, as a
// normal, observable outcome rather than an error.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fenlight/conductor/pkg/evidence"
	"github.com/fenlight/conductor/pkg/handler"
	"github.com/fenlight/conductor/pkg/jobspec"
	"github.com/fenlight/conductor/pkg/jobstore"
)

// Stable check names recorded in evidence manifests and rejection reasons.
const (
	CheckFingerprintUnique = "params.fingerprint_unique"
	CheckHandlerRegistered = "handler.registered"
	CheckParamsValid       = "params.valid"
	CheckParamsHashable    = "params.hashable"
)

// CheckResult is the outcome of one policy check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Bundle aggregates every policy check run for one submission. A submission
// is admissible iff every check passed.
type Bundle struct {
	JobType    string        `json:"job_type"`
	ParamsHash string        `json:"params_hash,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
	Results    []CheckResult `json:"results"`
}

func (b *Bundle) add(name string, passed bool, detail string) {
	b.Results = append(b.Results, CheckResult{Name: name, Passed: passed, Detail: detail})
}

// Admissible reports whether every check passed.
func (b *Bundle) Admissible() bool {
	for _, r := range b.Results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// FailedNames returns the names of failed checks, in check order.
func (b *Bundle) FailedNames() []string {
	var out []string
	for _, r := range b.Results {
		if !r.Passed {
			out = append(out, r.Name)
		}
	}
	return out
}

// SubmitRequest is one submission as seen at the orchestrator boundary.
type SubmitRequest struct {
	JobType  string
	Params   map[string]any
	Metadata map[string]string
}

// SubmitResult reports the admission outcome. State is QUEUED or REJECTED.
type SubmitResult struct {
	JobID  string
	State  jobstore.JobState
	Bundle *Bundle
}

// Controller runs the ordered policy checks and writes the decision.
type Controller struct {
	store    *jobstore.Store
	registry *handler.Registry
	evidence *evidence.Store
	logger   *zap.Logger
}

func NewController(store *jobstore.Store, registry *handler.Registry, ev *evidence.Store, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, registry: registry, evidence: ev, logger: logger}
}

// Check evaluates the ordered policy checks for a submission without
// writing anything. The returned error covers store I/O only; policy
// failures land in the bundle.
func (c *Controller) Check(ctx context.Context, jobType string, params map[string]any) (*Bundle, error) {
	bundle := &Bundle{JobType: jobType, CheckedAt: time.Now().UTC()}

	hash, err := Fingerprint(params)
	if err != nil {
		bundle.add(CheckParamsHashable, false, err.Error())
	} else {
		bundle.ParamsHash = hash
		bundle.add(CheckParamsHashable, true, "")
	}

	if hash != "" {
		dup, err := c.store.HasActiveFingerprint(ctx, jobType, hash)
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			bundle.add(CheckFingerprintUnique, false, "an active job with identical parameters already exists")
		} else {
			bundle.add(CheckFingerprintUnique, true, "")
		}
	}

	h, registered := c.registry.Resolve(jobType)
	if !registered {
		bundle.add(CheckHandlerRegistered, false, fmt.Sprintf("no handler registered for job type %q", jobType))
		return bundle, nil
	}
	bundle.add(CheckHandlerRegistered, true, "")

	if err := h.Validate(params); err != nil {
		bundle.add(CheckParamsValid, false, err.Error())
	} else {
		bundle.add(CheckParamsValid, true, "")
	}

	return bundle, nil
}

// Submit runs admission for one request and persists the outcome. Policy
// failure is not an error: the job is recorded as REJECTED with the failed
// check names and an evidence manifest is written either way.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		return nil, errors.New("job_type is required")
	}

	bundle, err := c.Check(ctx, jobType, req.Params)
	if err != nil {
		return nil, err
	}

	spec, err := jobspec.New(jobType, req.Params, req.Metadata).Encode()
	if err != nil {
		return nil, err
	}

	state := jobstore.StateQueued
	reason := ""
	if !bundle.Admissible() {
		state = jobstore.StateRejected
		reason = "rejected by policy: " + strings.Join(bundle.FailedNames(), ", ")
	}

	jobID, err := c.store.Submit(ctx, jobstore.NewJob{
		JobType:      jobType,
		Spec:         spec,
		ParamsHash:   bundle.ParamsHash,
		InitialState: state,
		StateReason:  reason,
	})
	if errors.Is(err, jobstore.ErrDuplicateFingerprint) && state == jobstore.StateQueued {
		// A concurrent submission won the fingerprint between our check and
		// the insert. Record the loss as a normal rejection.
		for i := range bundle.Results {
			if bundle.Results[i].Name == CheckFingerprintUnique {
				bundle.Results[i].Passed = false
				bundle.Results[i].Detail = "an active job with identical parameters won a concurrent submission"
			}
		}
		state = jobstore.StateRejected
		reason = "rejected by policy: " + CheckFingerprintUnique
		jobID, err = c.store.Submit(ctx, jobstore.NewJob{
			JobType:      jobType,
			Spec:         spec,
			ParamsHash:   bundle.ParamsHash,
			InitialState: state,
			StateReason:  reason,
		})
	}
	if err != nil {
		return nil, err
	}

	c.writeEvidence(jobID, jobType, state, bundle)
	c.logger.Info("admission decision",
		zap.String("job_id", jobID),
		zap.String("job_type", jobType),
		zap.String("state", string(state)),
		zap.Strings("failed_checks", bundle.FailedNames()))

	return &SubmitResult{JobID: jobID, State: state, Bundle: bundle}, nil
}

func (c *Controller) writeEvidence(jobID, jobType string, state jobstore.JobState, bundle *Bundle) {
	if c.evidence == nil {
		return
	}
	now := time.Now().UTC()
	m := &evidence.Manifest{
		JobID:     jobID,
		JobType:   jobType,
		State:     string(state),
		CreatedAt: now,
	}
	if state == jobstore.StateRejected {
		m.EndedAt = &now
		m.FailedChecks = bundle.FailedNames()
	}
	if err := c.evidence.Write(m); err != nil {
		c.logger.Warn("write admission evidence", zap.String("job_id", jobID), zap.Error(err))
	}
}
