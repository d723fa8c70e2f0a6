// Package sink holds crawler.IngestSink implementations that are not tied to a
// database: JSONL batch export to a BlobStore, a notifying decorator and a
// discarding sink.
package sink
