// Package supervisor routes work across sessions: at most one active
// execution per session, inbound human replies dispatched to the right
// suspended engine, and terminal executions archived and consolidated into
// memory.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/scenago/agent/contract"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
	scenariox "github.com/tanpawarit/scenago/agent/scenario"
	statex "github.com/tanpawarit/scenago/agent/state"
)

// PreferenceExtractor mines durable preferences from a terminal execution's
// history. Optional; extraction failures never affect outcomes.
type PreferenceExtractor interface {
	Extract(ctx context.Context, summary string) ([]contractx.Preference, error)
}

type Supervisor struct {
	procedures *procedurex.Registry
	deps       scenariox.Deps
	cfg        scenariox.Config
	extractor  PreferenceExtractor

	mu          sync.Mutex
	bySession   map[string]*scenariox.Engine
	byExecution map[string]*scenariox.Engine

	wg sync.WaitGroup
}

func New(procedures *procedurex.Registry, deps scenariox.Deps, cfg scenariox.Config) (*Supervisor, error) {
	if procedures == nil {
		return nil, fmt.Errorf("%w: procedure registry is required", contractx.ErrValidation)
	}
	s := &Supervisor{
		procedures:  procedures,
		deps:        deps,
		cfg:         cfg,
		bySession:   make(map[string]*scenariox.Engine),
		byExecution: make(map[string]*scenariox.Engine),
	}
	if deps.Coordinator != nil {
		if err := deps.Coordinator.Subscribe(s.handleReply); err != nil {
			return nil, fmt.Errorf("subscribe to replies: %w", err)
		}
	}
	return s, nil
}

// WithPreferenceExtractor enables preference consolidation on terminal
// executions.
func (s *Supervisor) WithPreferenceExtractor(ex PreferenceExtractor) *Supervisor {
	s.extractor = ex
	return s
}

// Start dispatches a procedure for a session and runs it to completion in
// the background. Rejects with SessionBusy while the session has a
// non-terminal execution; parameter validation happens before any state is
// created.
func (s *Supervisor) Start(ctx context.Context, sessionID, procedureID string, params map[string]any) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: session id is empty", contractx.ErrValidation)
	}
	proc, ok := s.procedures.Get(procedureID)
	if !ok {
		return "", fmt.Errorf("%w: %s", contractx.ErrProcedureNotFound, procedureID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if active, ok := s.bySession[sessionID]; ok && !active.Terminal() {
		return "", fmt.Errorf("%w: session %s is running execution %s",
			contractx.ErrSessionBusy, sessionID, active.ExecutionID())
	}

	engine, err := scenariox.NewEngine(proc, sessionID, params, s.deps, s.cfg)
	if err != nil {
		return "", err
	}

	executionID := engine.ExecutionID()
	s.bySession[sessionID] = engine
	s.byExecution[executionID] = engine

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome, runErr := engine.Run(ctx)
		if runErr != nil {
			log.Error().Err(runErr).Str("execution_id", executionID).Msg("supervisor: run ended with error")
			return
		}
		s.finish(ctx, engine, outcome)
	}()

	log.Info().
		Str("session_id", sessionID).
		Str("procedure_id", procedureID).
		Str("execution_id", executionID).
		Msg("supervisor: execution started")
	return executionID, nil
}

// ResolveHuman routes an operator answer to the execution owning the
// request id. Duplicate deliveries of a resolved id are no-ops; an unknown
// id is a StaleRequest.
func (s *Supervisor) ResolveHuman(requestID, answer string) error {
	engine := s.findByRequest(requestID)
	if engine == nil {
		return fmt.Errorf("%w: no execution owns request %s", contractx.ErrStaleRequest, requestID)
	}
	return engine.ResolveHuman(requestID, answer)
}

// Cancel terminates an execution with reason Cancelled. Honored
// immediately; a pending human request becomes orphaned.
func (s *Supervisor) Cancel(executionID string) error {
	s.mu.Lock()
	engine, ok := s.byExecution[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", contractx.ErrExecutionNotFound, executionID)
	}
	engine.Cancel()
	return nil
}

// Outcome returns the terminal result of an execution.
func (s *Supervisor) Outcome(executionID string) (statex.Outcome, error) {
	s.mu.Lock()
	engine, ok := s.byExecution[executionID]
	s.mu.Unlock()
	if !ok {
		return statex.Outcome{}, fmt.Errorf("%w: %s", contractx.ErrExecutionNotFound, executionID)
	}
	return engine.Outcome()
}

// Wait blocks until all in-flight executions finish. For shutdown and
// tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) findByRequest(requestID string) *scenariox.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, engine := range s.byExecution {
		if engine.HasRequest(requestID) {
			return engine
		}
	}
	return nil
}

// handleReply is the coordination channel subscriber. Delivery is
// at-least-once; anything stale or unmatched is reported and dropped.
func (s *Supervisor) handleReply(reply contractx.HumanReply) {
	if err := s.ResolveHuman(reply.RequestID, reply.Answer); err != nil {
		log.Warn().
			Err(err).
			Str("request_id", reply.RequestID).
			Str("session_id", reply.SessionID).
			Msg("supervisor: dropping reply")
	}
}

// finish archives the terminal execution and runs preference
// consolidation. The engine already wrote its solved-problem episodes; this
// path mines durable preferences out of the full history.
func (s *Supervisor) finish(ctx context.Context, engine *scenariox.Engine, outcome statex.Outcome) {
	executionID := engine.ExecutionID()
	log.Info().
		Str("execution_id", executionID).
		Str("status", string(outcome.Status)).
		Int("substitutions", outcome.Substitutions).
		Msg("supervisor: execution finished")

	if s.extractor == nil || s.deps.Memory == nil {
		return
	}

	summary := engine.HistorySummary()
	prefs, err := s.extractor.Extract(context.WithoutCancel(ctx), summary)
	if err != nil {
		log.Warn().Err(err).Str("execution_id", executionID).Msg("supervisor: preference extraction failed")
		return
	}
	scope := engine.SessionID()
	for _, p := range prefs {
		p.Scope = scope
		if err := s.deps.Memory.UpsertPreference(context.WithoutCancel(ctx), p); err != nil {
			log.Warn().Err(err).Str("key", p.Key).Msg("supervisor: preference upsert failed")
		}
	}
}
