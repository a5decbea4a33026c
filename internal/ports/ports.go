// Package ports declares the interfaces the core requires from external
// collaborators: LLM providers, storage backends, embeddings, retrieval,
// voice, slash commands, and tool confirmation. Implementations live outside
// the core; the pipeline and stores depend only on these contracts.
package ports

import (
	"context"
	"math"
	"time"

	"github.com/relay-ai/relay/pkg/models"
)

// CompletionRequest carries everything an LLM provider needs for one call.
type CompletionRequest struct {
	Model          string
	System         string
	Messages       []models.Message
	Tools          []models.ToolDefinition
	Temperature    float64
	ReasoningLevel string
	Timeout        time.Duration
}

// Completion is the provider's reply. A reply may carry both content and tool
// calls; callers append the content to history before executing the tools.
type Completion struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.TokenUsage
}

// LLM is the provider port. Transport failures surface as
// errdefs.KindUpstreamUnavailable.
type LLM interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// Storage is a directory+path abstraction over a local filesystem or blob
// store. Paths use forward slashes relative to the storage root. List walks
// dir recursively and returns root-relative file paths, so every result is a
// valid GetText argument.
type Storage interface {
	Exists(ctx context.Context, path string) (bool, error)
	GetText(ctx context.Context, path string) (string, error)
	PutText(ctx context.Context, path string, content string) error
	AppendText(ctx context.Context, path string, content string) error
	List(ctx context.Context, dir string) ([]string, error)
	Delete(ctx context.Context, path string) error
}

// Embedding produces dense vectors for retrieval.
type Embedding interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RAG is the retrieval service port. Indexing is best-effort; a failed index
// never fails the turn.
type RAG interface {
	Query(ctx context.Context, q string, mode string) (string, error)
	Index(ctx context.Context, content string) error
	Available() bool
}

// Voice handles transcription and synthesis.
type Voice interface {
	Transcribe(ctx context.Context, data []byte, format string) (string, error)
	Synthesize(ctx context.Context, text string, voice string) ([]byte, error)
	Available() bool
}

// CommandResult is the outcome of a slash command.
type CommandResult struct {
	Output      string
	SideEffects []string
}

// Command routes slash commands before they reach the turn pipeline.
type Command interface {
	HasCommand(name string, channel models.ChannelType) bool
	Execute(ctx context.Context, name string, args string, event *models.InboundEvent) (*CommandResult, error)
}

// Confirmation asks a user or UI to approve a sensitive tool call. A timeout
// is treated as declined.
type Confirmation interface {
	Request(ctx context.Context, toolName string, args []byte, timeout time.Duration) (bool, error)
}
