package rag

// State is a stage of a single chat request.
type State int

const (
	StateReceived State = iota + 1
	StateRetrieving
	StateAugmenting
	StateGenerating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRetrieving:
		return "retrieving"
	case StateAugmenting:
		return "augmenting"
	case StateGenerating:
		return "generating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome says how a request ended.
type Outcome int

const (
	// OutcomeAnswered means the model produced an answer from the user's context.
	OutcomeAnswered Outcome = iota + 1
	// OutcomeInsufficientData means the namespace had nothing relevant; the model was not called.
	OutcomeInsufficientData
	// OutcomeRetrievalFailed means the vector store could not be searched.
	OutcomeRetrievalFailed
	// OutcomeGenerationFailed means the model failed or timed out.
	OutcomeGenerationFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnswered:
		return "answered"
	case OutcomeInsufficientData:
		return "insufficient_data"
	case OutcomeRetrievalFailed:
		return "retrieval_failed"
	case OutcomeGenerationFailed:
		return "generation_failed"
	default:
		return "unknown"
	}
}

// Reply is the result of a chat request. Answer is always safe to show to the caller.
type Reply struct {
	Answer      string
	Outcome     Outcome
	SourcesUsed int
}
