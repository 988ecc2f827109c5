// Package storage provides durable, crash-safe file writes for checkpoint
// payloads, plus the transparent compression applied beneath binary records.
//
// AtomicStore.Write never exposes a half-written file under the target name:
//
//  1. the payload is written to a temporary sibling file
//  2. the file is flushed, fsynced and closed
//  3. it is renamed over the target and the parent directory is fsynced
//  4. the target is re-checked for presence and non-zero size, with a short
//     bounded backoff for filesystems with delayed metadata visibility
//
// Compression is selected by algorithm name (none, gzip, zstd) and is
// reflected in the file suffix so readers can pick the decoder from the path.
package storage
