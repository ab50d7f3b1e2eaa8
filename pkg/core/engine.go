// Package core runs the agent's think cycle: build context from memory and
// recent events, call the model, dispatch tool calls against the Loom
// daemon, and periodically consolidate experience into reflections, plans,
// and journal entries.
package core

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/compute"
	"github.com/driftlab/vivarium/pkg/config"
	"github.com/driftlab/vivarium/pkg/identity"
	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/memory"
	"github.com/driftlab/vivarium/pkg/prompts"
)

const (
	thinkTokens   = 800
	reflectTokens = 500
	planTokens    = 800
	journalTokens = 2000

	// moodDuration is how many cycles a mood persists before re-rolling.
	moodDuration = 5

	// conversationWait is how long the respond tool waits for a reply.
	conversationWait = 15 * time.Second

	// compactEvery is the tool-call stride between context compactions.
	compactEvery = 6
)

// SubagentOptions configures the daemon-side sub-agent runner.
type SubagentOptions struct {
	// Endpoint is the chat completions URL the daemon-side runner calls.
	Endpoint string

	Model string

	// MaxSteps bounds the sub-agent's step budget. Default 12.
	MaxSteps int

	// MaxTokens bounds per-step generation. Default 1024.
	MaxTokens int
}

// Options wires an Engine together.
type Options struct {
	// ID is the instance id, derived from the box directory name.
	ID string

	// BoxPath is the instance's working directory.
	BoxPath string

	Identity *identity.Identity

	// Provider drives thinking and consolidation.
	Provider llm.Provider

	// Summarizer optionally condenses long tool output. Nil disables it.
	Summarizer llm.Provider

	Stream  *memory.Stream
	Compute *compute.Client

	Subagent SubagentOptions

	Logger *zap.Logger
	Config config.EngineConfig

	// Sink optionally observes events.
	Sink Sink

	// Rand seeds mood selection; nil uses a time-seeded source.
	Rand *rand.Rand
}

type journalTag struct {
	Cycle          int
	Mood           string
	ThoughtPreview string
	ToolCount      int
	WasActive      bool
}

type inboxFile struct {
	Name    string
	Content string
}

// Engine is one agent instance's cycle loop. Run owns all mutable state;
// the exported receive methods are the only concurrent entry points.
type Engine struct {
	id       string
	box      string
	identity *identity.Identity

	provider   llm.Provider
	summarizer llm.Provider
	stream     *memory.Stream
	client     *compute.Client
	breaker    *compute.Breaker
	subagent   SubagentOptions

	log  *zap.Logger
	cfg  config.EngineConfig
	sink Sink
	rng  *rand.Rand
	now  func() time.Time

	mu           sync.Mutex
	events       []Event
	thoughtCount int
	userMessage  string
	focusMode    bool

	// wake is signalled by user messages and filesystem activity to cut the
	// inter-cycle sleep short.
	wake chan struct{}

	// reply delivers a conversation reply while the respond tool is waiting.
	reply     chan string
	waitingMu sync.Mutex
	waiting   bool

	seenFiles map[string]struct{}
	inbox     []inboxFile

	currentFocus       string
	cyclesSincePlan    int
	cyclesSinceJournal int

	mood       *prompts.Mood
	moodCycles int

	sessionWarned    bool
	persistentErrors map[string]int

	journalTags []journalTag
}

// New builds an Engine. The caller owns the provider, stream, and compute
// client lifecycles.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cfg := opts.Config
	if cfg.MaxToolCalls == 0 {
		cfg.MaxToolCalls = 20
	}
	if cfg.PlanInterval == 0 {
		cfg.PlanInterval = 10
	}
	if cfg.JournalInterval == 0 {
		cfg.JournalInterval = 5
	}
	if cfg.MaxThoughtsInContext == 0 {
		cfg.MaxThoughtsInContext = 20
	}
	if cfg.MemoryRetrievalCount == 0 {
		cfg.MemoryRetrievalCount = 3
	}
	if cfg.IdlePaceSeconds == 0 {
		cfg.IdlePaceSeconds = 60
	}
	if cfg.ActivePaceSeconds == 0 {
		cfg.ActivePaceSeconds = 30
	}
	sub := opts.Subagent
	if sub.MaxSteps == 0 {
		sub.MaxSteps = 12
	}
	if sub.MaxTokens == 0 {
		sub.MaxTokens = 1024
	}

	return &Engine{
		id:               opts.ID,
		box:              opts.BoxPath,
		identity:         opts.Identity,
		provider:         opts.Provider,
		summarizer:       opts.Summarizer,
		stream:           opts.Stream,
		client:           opts.Compute,
		breaker:          compute.NewBreaker(3),
		subagent:         sub,
		log:              log.With(zap.String("instance", opts.ID)),
		cfg:              cfg,
		sink:             opts.Sink,
		rng:              rng,
		now:              time.Now,
		wake:             make(chan struct{}, 1),
		reply:            make(chan string, 1),
		seenFiles:        make(map[string]struct{}),
		persistentErrors: make(map[string]int),
	}
}

// SetBreakerThreshold overrides the eval-timeout count that restarts the
// daemon.
func (e *Engine) SetBreakerThreshold(n int) {
	if n > 0 {
		e.breaker = compute.NewBreaker(n)
	}
}

// ReceiveUserMessage queues a message for injection into the next cycle and
// wakes the engine if it is pacing.
func (e *Engine) ReceiveUserMessage(text string) {
	e.mu.Lock()
	e.userMessage = text
	e.mu.Unlock()
	e.Wake()
}

// ReceiveReply delivers a conversation reply. Dropped unless the engine is
// inside a respond tool call waiting for one.
func (e *Engine) ReceiveReply(text string) {
	e.waitingMu.Lock()
	waiting := e.waiting
	e.waitingMu.Unlock()
	if !waiting {
		return
	}
	select {
	case e.reply <- text:
	default:
	}
}

// SetFocusMode toggles focus mode, which pins the continue nudge to the
// owner's material.
func (e *Engine) SetFocusMode(enabled bool) {
	e.mu.Lock()
	e.focusMode = enabled
	e.mu.Unlock()
}

// Wake interrupts the inter-cycle sleep.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run executes think cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("waking up")

	// Subdirectory files and managed root files start as seen; user files
	// dropped at the box root surface as inbox items on the first cycle.
	for path := range e.scanBoxFiles() {
		if strings.ContainsRune(path, os.PathSeparator) || internalRootFiles[path] {
			e.seenFiles[path] = struct{}{}
		}
	}
	e.currentFocus = e.loadFocus()

	watcher, err := e.startWatcher(ctx)
	if err != nil {
		e.log.Warn("filesystem watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	e.log.Info("ready")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if fresh := e.checkNewFiles(); len(fresh) > 0 {
			e.inbox = fresh
		}

		wasActive := e.thinkOnce(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		e.moodCycles++

		e.cyclesSinceJournal++
		if e.cyclesSinceJournal >= e.cfg.JournalInterval {
			e.journalize(ctx)
		}

		if e.stream.ShouldConsolidate() {
			e.reflect(ctx)
		}

		e.cyclesSincePlan++
		if e.cyclesSincePlan >= e.cfg.PlanInterval {
			e.plan(ctx)
			// Planning is a transition; re-roll the mood next cycle.
			e.mood = nil
		}

		e.emit(EventStatus, "idle")

		pace := time.Duration(e.cfg.IdlePaceSeconds) * time.Second
		if wasActive {
			pace = time.Duration(e.cfg.ActivePaceSeconds) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-time.After(pace):
		}
	}
}

// ensureMood picks a mood on first use and re-rolls after moodDuration
// cycles.
func (e *Engine) ensureMood() {
	if e.mood != nil && e.moodCycles < moodDuration {
		return
	}
	temperament := ""
	if e.identity != nil {
		temperament = e.identity.Traits.Temperament
	}
	e.mood = prompts.PickMood(temperament, e.rng)
	e.moodCycles = 0
	e.log.Info("mood", zap.String("label", e.mood.Label))
}

func (e *Engine) session() string {
	return "vivarium-" + strings.ToLower(e.identity.Name)
}

func (e *Engine) takeUserMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := e.userMessage
	e.userMessage = ""
	return msg
}
