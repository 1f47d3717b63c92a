package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/docgen/internal/conversation"
	"github.com/roelfdiedericks/docgen/internal/credential"
	"github.com/roelfdiedericks/docgen/internal/llm"
	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/metrics"
)

// DefaultAttemptTimeout bounds a single candidate attempt.
const DefaultAttemptTimeout = 5 * time.Minute

var (
	// ErrExhausted matches every *ExhaustedError.
	ErrExhausted = errors.New("all credentials and models exhausted")
	// ErrNoCredentials is the last error when no credential could be tried.
	ErrNoCredentials = errors.New("no usable credential")
)

// Candidate is one (credential, model) pair to try.
type Candidate struct {
	Credential credential.Credential
	Model      string
}

// Attempt records one failed candidate.
type Attempt struct {
	Candidate Candidate
	Kind      llm.ErrorKind
	Err       error
	Duration  time.Duration
}

// ExhaustedError is returned when every candidate failed.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
	Kind     llm.ErrorKind
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: %v (%s)", ErrExhausted, e.Last, e.Kind)
	}
	return fmt.Sprintf("%s after %d attempts: last error (%s): %v", ErrExhausted, len(e.Attempts), e.Kind, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// BuildCandidates orders models preferred-first and crosses each model with
// creds in the order given. The preferred model is tried even when it is not
// in models.
func BuildCandidates(preferred string, models []string, creds []credential.Credential) []Candidate {
	ordered := make([]string, 0, len(models)+1)
	if preferred != "" {
		ordered = append(ordered, preferred)
	}
	for _, m := range models {
		if m != "" && m != preferred {
			ordered = append(ordered, m)
		}
	}

	out := make([]Candidate, 0, len(ordered)*len(creds))
	for _, m := range ordered {
		for _, c := range creds {
			out = append(out, Candidate{Credential: c, Model: m})
		}
	}
	return out
}

// Config tunes an Orchestrator.
type Config struct {
	Models         []string
	AttemptTimeout time.Duration
	// Guard completes cut-off responses; nil disables continuation.
	Guard *Guard
	// OnAttempt is called after each failed candidate, before the next one
	// starts, so a UI can discard partial output.
	OnAttempt func(Attempt)
	Metrics   *metrics.Recorder
}

// Orchestrator runs a generation against the candidate list until one
// succeeds or the list is exhausted.
type Orchestrator struct {
	pool       *credential.Pool
	session    *conversation.Session
	dispatcher *Dispatcher
	cfg        Config
}

// NewOrchestrator wires the pool, the session and the dispatcher together.
func NewOrchestrator(pool *credential.Pool, session *conversation.Session, dispatcher *Dispatcher, cfg Config) *Orchestrator {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if dispatcher == nil {
		dispatcher = &Dispatcher{}
	}
	return &Orchestrator{pool: pool, session: session, dispatcher: dispatcher, cfg: cfg}
}

// Session returns the conversation the orchestrator generates into.
func (o *Orchestrator) Session() *conversation.Session { return o.session }

// Generate sends prompt, failing over across candidates, and completes the
// response once if it looks cut off. It returns the context error when ctx
// ends and an *ExhaustedError when nothing succeeded.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error) {
	if err := o.session.Begin(); err != nil {
		return "", err
	}
	defer o.session.End()

	start := time.Now()
	text, err := o.generate(ctx, prompt, onChunk)
	if err != nil {
		o.cfg.Metrics.Generation(metrics.OutcomeFailure, time.Since(start))
		return "", err
	}

	text = o.cfg.Guard.Complete(ctx, text, o.generate, onChunk)
	o.cfg.Metrics.Generation(metrics.OutcomeSuccess, time.Since(start))
	return text, nil
}

func (o *Orchestrator) generate(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	creds := o.pool.ActiveRotation()
	if len(creds) == 0 {
		return "", o.noCredentials()
	}
	candidates := BuildCandidates(o.session.PreferredModel(), o.cfg.Models, creds)

	var attempts []Attempt
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			o.cfg.Metrics.Attempt(cand.Model, metrics.OutcomeCanceled, "")
			return "", err
		}

		current, ok := o.pool.Get(cand.Credential.ID)
		if !ok || current.Status == credential.StatusDisabled {
			o.cfg.Metrics.Attempt(cand.Model, metrics.OutcomeSkipped, "")
			continue
		}
		cand.Credential = current

		began := time.Now()
		text, err := o.attempt(ctx, cand, prompt, onChunk)
		if err == nil {
			o.pool.MarkSuccess(current.ID)
			o.cfg.Metrics.Attempt(cand.Model, metrics.OutcomeSuccess, "")
			L_debug("failover: candidate succeeded", "model", cand.Model, "credential", current.Name, "failed", len(attempts))
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.cfg.Metrics.Attempt(cand.Model, metrics.OutcomeCanceled, "")
			return "", ctxErr
		}

		kind := llm.Classify(err)
		a := Attempt{Candidate: cand, Kind: kind, Err: err, Duration: time.Since(began)}
		attempts = append(attempts, a)
		o.cfg.Metrics.Attempt(cand.Model, metrics.OutcomeFailure, string(kind))
		L_warn("failover: candidate failed", "model", cand.Model, "credential", current.Name, "kind", kind, "error", err)

		if kind != llm.ErrorKindNetwork {
			o.pool.MarkFailure(current.ID, kind)
		}
		if o.cfg.OnAttempt != nil {
			o.cfg.OnAttempt(a)
		}
	}

	if len(attempts) == 0 {
		return "", o.noCredentials()
	}
	last := attempts[len(attempts)-1]
	o.cfg.Metrics.Exhausted(string(last.Kind))
	L_error("failover: exhausted", "attempts", len(attempts), "kind", last.Kind)
	return "", &ExhaustedError{Attempts: attempts, Last: last.Err, Kind: last.Kind}
}

func (o *Orchestrator) attempt(ctx context.Context, cand Candidate, prompt string, onChunk ChunkFunc) (string, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	conn, err := o.session.EnsureConnection(actx, cand.Credential, cand.Model)
	if err != nil {
		return "", err
	}
	return o.dispatcher.Stream(actx, o.session, conn, prompt, onChunk)
}

func (o *Orchestrator) noCredentials() error {
	stats := o.pool.Stats()
	kind := llm.ErrorKindInvalidCredential
	if stats.Cooldown > 0 {
		kind = llm.ErrorKindQuotaExceeded
	}
	o.cfg.Metrics.Exhausted(string(kind))
	L_error("failover: no usable credential", "total", stats.Total, "cooldown", stats.Cooldown, "disabled", stats.Disabled)
	return &ExhaustedError{Last: ErrNoCredentials, Kind: kind}
}
