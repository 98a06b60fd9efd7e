// Package engine is the embeddable library entry point (spec §1/§6): C10's
// session facade over the intent arbiter (C9), flow scheduler (C8), and step
// evaluator (C7). A host process owns transport, persistence, and the AI
// bridge; this package owns everything from "here is one user utterance"
// to "here is the text and pending state to show back".
//
// Grounded on the teacher's runtime construction style — a single
// constructor taking its required collaborators positionally plus a
// trailing functional-options tail for everything with a sane zero value
// (server.Option in server/a2a, hooks.Option in runtime/hooks) — and on its
// telemetry/metrics packages for how tracing and Prometheus get wired in
// without forcing every host to supply them.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowkit/engine/arbiter"
	"github.com/flowkit/engine/catalog"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/flowerr"
	"github.com/flowkit/engine/logger"
	"github.com/flowkit/engine/messages"
	"github.com/flowkit/engine/scheduler"
	"github.com/flowkit/engine/session"
	"github.com/flowkit/engine/step"
	"github.com/flowkit/engine/tools"
)

// defaultValidateTimeout bounds A9's concurrent construction validation so a
// pathological flow catalog (or a stuck validator goroutine) can't hang
// NewEngine forever.
const defaultValidateTimeout = 30 * time.Second

// GuidanceConfig bundles the engine's recovery-flow and budget knobs — the
// spec's `guidanceConfig?` construction parameter. A nil GuidanceConfig (or
// any zero field within one) falls back to the step evaluator's and
// scheduler's own defaults (§9: 32 frames/stack, 1000 steps/turn, no
// automatic recovery dispatch).
type GuidanceConfig struct {
	// RecoveryFlowID is pushed, call-style, when a step raises an uncaught
	// error (§4.6, §4.8). Empty disables automatic recovery.
	RecoveryFlowID string
	// MaxStackDepth overrides the per-stack frame budget. Zero means 32.
	MaxStackDepth int
	// MaxStepsPerTurn overrides the per-turn step budget. Zero means 1000.
	MaxStepsPerTurn int
}

// TurnResult is C10's updateActivity return shape (§6): output text, the
// pending SAY-GET variable if the turn suspended, whether the session went
// idle, and the tool events recorded along the way.
type TurnResult = scheduler.TurnResult

// config collects the optional collaborators NewEngine's functional options
// set, each with a documented zero-value fallback.
type config struct {
	registry       prometheus.Registerer
	tracerProvider trace.TracerProvider
	bucket         tools.Bucket
	httpClient     *http.Client
	secrets        tools.SecretResolver
}

// Option configures one of NewEngine's optional collaborators: the metrics
// registry, the tracer provider, and the rate-limit bucket backend (§6),
// plus the HTTP client and secret resolver the tool invoker needs.
type Option func(*config)

// WithMetricsRegistry registers the engine's Prometheus collectors (A2)
// against reg instead of a private, unshared registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(c *config) { c.registry = reg }
}

// WithTracerProvider supplies the OpenTelemetry TracerProvider (A3) spans
// are created against. Omitting this leaves tracing a no-op.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}

// WithRateLimitBucket supplies the rate-limit backend (A5) tool calls are
// checked against. Omitting this uses an in-memory token bucket with
// tools.DefaultLimits; WithRateLimitBucket(nil) disables rate limiting
// entirely.
func WithRateLimitBucket(b tools.Bucket) Option {
	return func(c *config) { c.bucket = b }
}

// WithHTTPClient supplies the *http.Client CALL-TOOL's HTTP dispatch uses.
// Omitting this uses http.DefaultClient.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// WithSecretResolver supplies the SecretResolver HTTP tool authenticators
// use to turn a `secretRef` into the actual credential material.
func WithSecretResolver(resolve tools.SecretResolver) Option {
	return func(c *config) { c.secrets = resolve }
}

// Engine is one constructed, validated flow/tool catalog plus its
// collaborators — everything InitSession and UpdateActivity need, held
// immutably after NewEngine returns (§5: "the engine itself holds only
// immutable catalogs after construction and per-session objects").
type Engine struct {
	log      *slog.Logger
	sched    *scheduler.Scheduler
	metrics  *Metrics
	tracer   trace.Tracer
	language string
	globals  map[string]any
}

// NewEngine validates flows and tools (A9, concurrently, unless
// validateOnInit is false) and builds the arbiter/scheduler/step-evaluator
// pipeline over them. Construction fails with a FlowCatalogInvalid error
// enumerating every offense found, rather than the first one, so a host can
// fix a catalog in one pass.
func NewEngine(
	log *slog.Logger,
	bridge arbiter.Bridge,
	flows []catalog.FlowDefinition,
	toolDefs []catalog.ToolDefinition,
	approvedFunctions map[string]tools.ApprovedFunc,
	globals map[string]any,
	validateOnInit bool,
	language string,
	msgRegistry *messages.Registry,
	guidance *GuidanceConfig,
	opts ...Option,
) (*Engine, error) {
	if log == nil {
		log = logger.DefaultLogger
	}

	if validateOnInit {
		ctx, cancel := context.WithTimeout(context.Background(), defaultValidateTimeout)
		defer cancel()
		result, err := catalog.ValidateConcurrently(ctx, flows, toolDefs)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.Internal, "validating flow catalog", err)
		}
		if result.HasErrors() {
			return nil, flowerr.New(flowerr.FlowCatalogInvalid, strings.Join(result.Errors, "; "))
		}
	}

	cfg := &config{bucket: tools.NewMemoryBucket(tools.DefaultLimits)}
	for _, opt := range opts {
		opt(cfg)
	}

	if language == "" {
		language = "en"
	}
	if msgRegistry == nil {
		msgRegistry = messages.NewRegistry()
	}
	if guidance == nil {
		guidance = &GuidanceConfig{}
	}

	ev := expr.NewEvaluator(nil)
	inv := tools.NewInvoker(toolDefs, approvedFunctions, ev, cfg.httpClient, cfg.bucket, cfg.secrets)

	flowMap := make(map[string]catalog.FlowDefinition, len(flows))
	for _, f := range flows {
		flowMap[f.ID] = f
	}
	stepEval := step.New(flowMap, inv, ev, msgRegistry, guidance.RecoveryFlowID, language)
	if guidance.MaxStackDepth > 0 {
		stepEval.MaxStackDepth = guidance.MaxStackDepth
	}

	sched := scheduler.New(flows, arbiter.New(bridge), stepEval, msgRegistry, language)
	if guidance.MaxStepsPerTurn > 0 {
		sched.MaxStepsPerTurn = guidance.MaxStepsPerTurn
	}

	return &Engine{
		log:      log,
		sched:    sched,
		metrics:  newMetrics(cfg.registry),
		tracer:   tracer(cfg.tracerProvider),
		language: language,
		globals:  globals,
	}, nil
}

// InitSession builds a fresh Session for userID (§6 `initSession`). When
// sessionID is non-empty it's adopted verbatim (the host owns session
// identity, e.g. to match its own transport-level conversation ID);
// otherwise the session keeps the UUID session.NewSession assigned it.
// log overrides the engine's default logger for this call only, matching
// the spec's per-call logger collaborator.
func (e *Engine) InitSession(log *slog.Logger, userID, sessionID string) *session.Session {
	if log == nil {
		log = e.log
	}
	sess := session.NewSession(userID, e.language)
	if sessionID != "" {
		sess.ID = sessionID
	}
	for k, v := range e.globals {
		sess.Globals[k] = v
	}
	e.metrics.activeSessions.Inc()
	log.Info("session initialized", "session_id", sess.ID, "user_id", userID)
	return sess
}

// UpdateActivity processes entry against sess to completion — one turn
// (§5, §6). It attributes logs and the trace span to sess's identifiers and
// a freshly minted turn ID, then delegates to the scheduler.
func (e *Engine) UpdateActivity(ctx context.Context, entry session.ContextEntry, sess *session.Session) (*TurnResult, error) {
	ctx = logger.WithSessionID(ctx, sess.ID)
	ctx = logger.WithUserID(ctx, sess.UserID)
	ctx = logger.WithTurnID(ctx, uuid.NewString())

	ctx, span := e.startTurnSpan(ctx, sess)
	start := time.Now()

	result, err := e.sched.RunTurn(ctx, sess, entry)

	outcome := "suspended"
	switch {
	case err != nil:
		outcome = "error"
	case result != nil && result.Terminated:
		outcome = "terminated"
	}
	e.metrics.recordTurn(outcome, time.Since(start).Seconds())
	if result != nil {
		e.metrics.recordToolEvents(result.Events)
	}
	endTurnSpan(span, outcome, err)

	if err != nil {
		e.log.ErrorContext(ctx, "turn failed", "error", err)
		return nil, err
	}
	e.log.DebugContext(ctx, "turn completed", "outcome", outcome, "pending_variable", result.PendingVariable)
	return result, nil
}
