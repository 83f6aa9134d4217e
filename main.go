package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	capabilityx "github.com/tanpawarit/scenago/agent/capability"
	contractx "github.com/tanpawarit/scenago/agent/contract"
	coordinationx "github.com/tanpawarit/scenago/agent/coordination"
	memoryx "github.com/tanpawarit/scenago/agent/memory"
	oraclex "github.com/tanpawarit/scenago/agent/oracle"
	procedurex "github.com/tanpawarit/scenago/agent/procedure"
	promptx "github.com/tanpawarit/scenago/agent/prompt"
	scenariox "github.com/tanpawarit/scenago/agent/scenario"
	statex "github.com/tanpawarit/scenago/agent/state"
	supervisorx "github.com/tanpawarit/scenago/agent/supervisor"
	configx "github.com/tanpawarit/scenago/pkg/config"
	_ "github.com/tanpawarit/scenago/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/scenago/pkg/openrouter"
	qstashx "github.com/tanpawarit/scenago/pkg/qstash"
)

type AppConfig struct {
	SessionID      string `envconfig:"SESSION_ID" split_words:"true" default:"demo-session"`
	ProcedureID    string `envconfig:"PROCEDURE_ID" split_words:"true" default:"booking"`
	OutcomeWebhook string `envconfig:"OUTCOME_WEBHOOK" split_words:"true"`
}

// logObserver forwards engine progress events to the structured log.
type logObserver struct{}

func (logObserver) OnEvent(ev contractx.Event) {
	log.Info().
		Str("event", string(ev.Type)).
		Str("execution_id", ev.ExecutionID).
		Str("step", ev.StepName).
		Str("detail", ev.Detail).
		Msg("progress")
}

// buildMemory prefers the Postgres store when MEMORY_DSN is configured and
// falls back to the in-process store otherwise.
func buildMemory(ctx context.Context) contractx.MemoryStore {
	pgCfg, err := configx.New[memoryx.PostgresConfig]("MEMORY")
	if err != nil {
		log.Info().Msg("MEMORY_DSN not set, using in-memory store")
		return memoryx.NewInMemoryStore(memoryx.Options{})
	}
	store, err := memoryx.NewPostgresStore(*pgCfg, memoryx.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open postgres memory store")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure memory schema")
	}
	return store
}

// buildEmbedder prefers the hosted embedding model when EMBEDDER_API_KEY is
// configured and falls back to the deterministic local embedder otherwise.
func buildEmbedder() contractx.Embedder {
	embCfg, err := configx.New[memoryx.EmbedderConfig]("EMBEDDER")
	if err != nil {
		log.Info().Msg("EMBEDDER_API_KEY not set, using deterministic embedder")
		return memoryx.DeterministicEmbedder{}
	}
	embedder, err := memoryx.NewOpenAIEmbedder(*embCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize embedder")
	}
	return embedder
}

// answerFromConsole bridges escalations to a human at the terminal: it prints
// each question and posts the typed answer back as a reply.
func answerFromConsole(ctx context.Context, coord *coordinationx.Channel, sessionID string) {
	requests, err := coord.SubscribeRequests(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to escalations")
		return
	}
	reader := bufio.NewScanner(os.Stdin)
	for req := range requests {
		fmt.Printf("\n[escalation %s] %s\n", req.ID, req.Question)
		for i, opt := range req.Options {
			fmt.Printf("  %d) %s\n", i+1, opt)
		}
		fmt.Print("> ")
		if !reader.Scan() {
			return
		}
		reply := contractx.HumanReply{
			RequestID: req.ID,
			SessionID: sessionID,
			Answer:    reader.Text(),
		}
		if err := coord.PostReply(ctx, reply); err != nil {
			log.Error().Err(err).Msg("failed to post reply")
		}
	}
}

func main() {
	ctx := context.Background()
	appCfg := configx.MustNew[AppConfig]("")

	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	chatModel, err := openRouterCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chat model")
	}

	prompts := promptx.LoadPromptSet()
	oracle, err := oraclex.NewLLMOracle(chatModel, prompts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize decision oracle")
	}
	extractor, err := oraclex.NewPreferenceExtractor(chatModel, prompts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize preference extractor")
	}

	builtins, err := procedurex.Builtin()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load builtin procedures")
	}
	procedures, err := procedurex.NewRegistry(builtins...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build procedure registry")
	}

	portal := capabilityx.NewSimulatedPortal()
	portal.FailNext("portal.submit_booking", 1)
	capabilities, err := portal.Registry()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build capability registry")
	}

	coordinator := coordinationx.NewChannel()
	defer coordinator.Close()

	engineCfg := configx.MustNew[scenariox.Config]("ENGINE")
	sup, err := supervisorx.New(procedures, scenariox.Deps{
		Capabilities: capabilities,
		Oracle:       oracle,
		Memory:       buildMemory(ctx),
		Embedder:     buildEmbedder(),
		Coordinator:  coordinator,
		Observer:     logObserver{},
		Store:        statex.NewInMemoryStore(),
	}, *engineCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start supervisor")
	}
	sup.WithPreferenceExtractor(extractor)

	consoleCtx, stopConsole := context.WithCancel(ctx)
	defer stopConsole()
	go answerFromConsole(consoleCtx, coordinator, appCfg.SessionID)

	execID, err := sup.Start(ctx, appCfg.SessionID, appCfg.ProcedureID, map[string]any{
		"username":     "agent",
		"password":     "agent-password",
		"building":     "HQ",
		"room_numbers": []any{"1404", "1405"},
		"date":         "2026-09-01",
		"start_time":   "10:00",
		"end_time":     "11:00",
		"event_name":   "sprint planning",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start execution")
	}
	log.Info().Str("execution_id", execID).Msg("execution started")

	sup.Wait()

	outcome, err := sup.Outcome(execID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read outcome")
	}
	encoded, _ := json.MarshalIndent(outcome, "", "  ")
	fmt.Println(string(encoded))

	if appCfg.OutcomeWebhook != "" {
		qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
		client := qstashx.MustNew(*qstashCfg)
		if err := client.Publish(ctx, appCfg.OutcomeWebhook, outcome); err != nil {
			log.Error().Err(err).Msg("failed to publish outcome webhook")
		}
	}
}
