// Package reembed recomputes the embedding of every stored chunk, for use
// after the embedding model changes.
//
// Chunks are read one namespace at a time in pages of Config.BatchSize.
// Each page is embedded in one call, retried with exponential backoff, and
// the normalized vectors replace the old ones in place. Chunk IDs, text,
// metadata and retention deadlines are left untouched. Chunks deleted while
// the run is in progress are skipped.
//
// Example usage:
//
//	r, err := reembed.NewReembedder(chunkRepo, provider.Embedder(), nil, os.Stderr)
//	if err != nil {
//		return err
//	}
//	if err := r.Run(ctx); err != nil {
//		return err
//	}
package reembed
