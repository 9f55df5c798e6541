package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/poiesic/neurosim/ai"
	"github.com/poiesic/neurosim/core"
)

const (
	// DefaultTopK is the number of chunks retrieved per question.
	DefaultTopK = 3

	// DefaultMaxContextChars bounds the context placed in the prompt.
	DefaultMaxContextChars = 4000

	// DefaultCallTimeout bounds each call to the vector store and the model.
	DefaultCallTimeout = 30 * time.Second
)

// Retriever finds the chunks of one user most similar to a query.
type Retriever interface {
	SimilaritySearch(ctx context.Context, userID, query string, k int) ([]*core.SearchResult, error)
}

// Orchestrator answers questions "as the user" from that user's own chunks.
// It never writes and keeps no per-request state, so it is safe for concurrent use.
type Orchestrator struct {
	retriever       Retriever
	generator       ai.Generator
	logger          *slog.Logger
	topK            int
	maxContextChars int
	callTimeout     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithTopK sets how many chunks are retrieved.
// Default is DefaultTopK.
func WithTopK(k int) Option {
	return func(o *Orchestrator) error {
		if err := core.ValidateLimit(k); err != nil {
			return err
		}
		o.topK = k
		return nil
	}
}

// WithMaxContextChars sets the context budget in characters.
// Default is DefaultMaxContextChars.
func WithMaxContextChars(n int) Option {
	return func(o *Orchestrator) error {
		if n <= 0 {
			return fmt.Errorf("%w: max context chars must be positive, got %d", core.ErrInput, n)
		}
		o.maxContextChars = n
		return nil
	}
}

// WithCallTimeout bounds each external call.
// Default is DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return fmt.Errorf("%w: call timeout must be positive, got %s", core.ErrInput, d)
		}
		o.callTimeout = d
		return nil
	}
}

// NewOrchestrator creates an orchestrator that retrieves with retriever and answers with generator.
func NewOrchestrator(retriever Retriever, generator ai.Generator, opts ...Option) (*Orchestrator, error) {
	if retriever == nil {
		return nil, ErrRetrieverRequired
	}
	if generator == nil {
		return nil, ErrGeneratorRequired
	}

	o := &Orchestrator{
		retriever:       retriever,
		generator:       generator,
		logger:          slog.Default(),
		topK:            DefaultTopK,
		maxContextChars: DefaultMaxContextChars,
		callTimeout:     DefaultCallTimeout,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.With("component", "rag")
	return o, nil
}

// Chat answers question for userID.
// The returned error is non-nil only for invalid input. Every other failure
// is reported through the Reply's Outcome with a fixed message as the Answer.
func (o *Orchestrator) Chat(ctx context.Context, userID, question string) (*Reply, error) {
	return o.ChatWithMonitor(ctx, userID, question, nil)
}

// ChatWithMonitor is Chat with a monitor that observes each state transition.
func (o *Orchestrator) ChatWithMonitor(ctx context.Context, userID, question string, monitor Monitor) (*Reply, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question: %w", core.ErrInput, core.ErrEmptyContent)
	}
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	r := &request{o: o, monitor: monitor, userID: userID, state: StateReceived}
	monitor.Start(userID)
	reply := r.run(ctx, question)
	monitor.Finish(reply)
	return reply, nil
}

// request carries the state of one Chat call.
type request struct {
	o       *Orchestrator
	monitor Monitor
	userID  string
	state   State
}

func (r *request) transition(to State) {
	r.monitor.Transition(r.state, to)
	r.state = to
}

// fail moves to StateFailed, logs err with its class and returns the fixed reply.
func (r *request) fail(err error, outcome Outcome, message string) *Reply {
	failedIn := r.state
	r.monitor.Failed(failedIn, err)
	r.transition(StateFailed)
	r.o.logger.Error("chat request failed",
		"user_id", r.userID,
		"state", failedIn.String(),
		"error_class", core.Classify(err),
		"err", err)
	return &Reply{Answer: message, Outcome: outcome}
}

func (r *request) run(ctx context.Context, question string) *Reply {
	o := r.o

	r.transition(StateRetrieving)
	results, err := r.retrieve(ctx, question)
	if err != nil {
		return r.fail(err, OutcomeRetrievalFailed, FailureMessage)
	}
	r.monitor.AfterRetrieval(results)
	if len(results) == 0 {
		o.logger.Info("no chunks for user, answering with fallback", "user_id", r.userID)
		r.transition(StateDone)
		return &Reply{Answer: InsufficientDataMessage, Outcome: OutcomeInsufficientData}
	}

	r.transition(StateAugmenting)
	contextText, used := BuildContext(results, o.maxContextChars)
	r.monitor.AfterAugmentation(used, utf8.RuneCountInString(contextText))
	if used == 0 {
		r.transition(StateDone)
		return &Reply{Answer: InsufficientDataMessage, Outcome: OutcomeInsufficientData}
	}
	prompt, err := buildPrompt(contextText, question)
	if err != nil {
		return r.fail(fmt.Errorf("%w: rendering prompt: %w", core.ErrGeneration, err), OutcomeGenerationFailed, ApologyMessage)
	}

	r.transition(StateGenerating)
	answer, err := r.generate(ctx, prompt)
	if err != nil {
		return r.fail(err, OutcomeGenerationFailed, ApologyMessage)
	}

	r.transition(StateDone)
	o.logger.Debug("answered question", "user_id", r.userID, "sources", used)
	return &Reply{Answer: answer, Outcome: OutcomeAnswered, SourcesUsed: used}
}

func (r *request) retrieve(ctx context.Context, question string) ([]*core.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.o.callTimeout)
	defer cancel()

	results, err := r.o.retriever.SimilaritySearch(ctx, r.userID, question, r.o.topK)
	if err != nil && !errors.Is(err, core.ErrStorage) {
		return nil, fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *request) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.o.callTimeout)
	defer cancel()

	answer, err := r.o.generator.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrGeneration, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("%w: %w", core.ErrGeneration, ErrEmptyAnswer)
	}
	return answer, nil
}
