// Package searchrag implements a hybrid semantic-retrieval engine: a
// nearest-neighbor vector index joined position-for-position with a metadata
// record store, plus filtering, score thresholds, reranking boosts, and
// grouped aggregation over the results.
//
// The Retriever is the orchestration point. An external embedder produces
// (vector, record) pairs; Add feeds both sides in lockstep so position p in
// the index always pairs with record p in the store. Searches convert raw
// index distances into bounded similarity scores and resolve records before
// returning.
//
// Three index variants are available behind one interface: Flat (exact
// brute force), Clustered (inverted-file, needs Train before Add) and Graph
// (proximity graph, no training). See the index subpackages for tuning.
//
// Snapshots serialize the index and record store as one consistent unit,
// either directly to a file or through persistence.Manager onto a blob
// store (local disk, S3, MinIO).
package searchrag
