// Package rag answers a user's question in that user's own voice using
// retrieval-augmented generation.
//
// An Orchestrator moves each request through a fixed sequence of states:
//
//	Received -> Retrieving -> Augmenting -> Generating -> Done
//
// Any stage may end in Failed instead. Retrieval searches only the asking
// user's namespace. Augmentation renders the best chunks into a bounded
// context. Generation sends the persona prompt to an ai.Generator.
//
// Callers only ever see fixed messages. When the user has no data the model
// is not called and InsufficientDataMessage is returned. Retrieval failures
// return FailureMessage and model failures return ApologyMessage. Error
// detail goes to the log with the user ID and the error class.
//
// Example usage:
//
//	orchestrator, err := rag.NewOrchestrator(store, provider.Generator(),
//		rag.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	reply, err := orchestrator.Chat(ctx, userID, "What do I value?")
package rag
