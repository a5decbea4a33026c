package turn

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/relay-ai/relay/internal/channels"
	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/mcp"
	"github.com/relay-ai/relay/internal/memory"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/internal/security"
	"github.com/relay-ai/relay/internal/skills"
	"github.com/relay-ai/relay/internal/tools"
	"github.com/relay-ai/relay/internal/usage"
)

// Stage is one step of the turn pipeline. Stages run in ordinal order and
// communicate only through the TurnContext attribute map.
type Stage interface {
	Name() string
	Ordinal() int
	Applies(tc *TurnContext) bool
	Enabled(snap *config.Snapshot) bool
	Process(ctx context.Context, tc *TurnContext) error
}

// Deps are the collaborators shared by the pipeline stages.
type Deps struct {
	LLM         ports.LLM
	Skills      *skills.Service
	MCP         *mcp.Pool
	Memory      *memory.Store
	Usage       *usage.Tracker
	RAG         ports.RAG
	Confirm     ports.Confirmation
	Channels    *channels.Registry
	NativeTools []tools.Tool
	Sanitizer   *security.Sanitizer
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sanitizer == nil {
		d.Sanitizer = security.NewSanitizer()
	}
}

// Pipeline is the ordered stage list executed over one TurnContext.
type Pipeline struct {
	deps   *Deps
	stages []Stage
	logger *slog.Logger
}

// NewPipeline assembles the default stage order.
func NewPipeline(deps Deps) *Pipeline {
	deps.defaults()
	d := &deps
	p := &Pipeline{
		deps:   d,
		logger: d.Logger,
		stages: []Stage{
			&sanitizeStage{deps: d},
			&compactStage{deps: d},
			&contextStage{deps: d},
			&tierStage{deps: d},
			&toolLoopStage{deps: d},
			&memoryStage{deps: d},
			&skillStage{deps: d},
			&ragStage{deps: d},
			&responseStage{deps: d},
			&feedbackStage{deps: d},
			&routingStage{deps: d},
		},
	}
	sort.SliceStable(p.stages, func(i, j int) bool { return p.stages[i].Ordinal() < p.stages[j].Ordinal() })
	return p
}

// Run executes the stages in order. Cancellation is observed between stages;
// the first stage error terminates the run and is reported to the caller.
func (p *Pipeline) Run(ctx context.Context, tc *TurnContext) error {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.KindCancelled, "turn cancelled", err)
		}
		if !stage.Enabled(tc.Config) || !stage.Applies(tc) {
			continue
		}
		started := p.deps.Now()
		if err := stage.Process(ctx, tc); err != nil {
			p.logger.Warn("stage failed",
				"stage", stage.Name(),
				"conversation", tc.Conversation.Key(),
				"error", err)
			return err
		}
		p.logger.Debug("stage complete",
			"stage", stage.Name(),
			"elapsed", p.deps.Now().Sub(started))
	}
	return nil
}
