// Package core provides the streaming engines behind the file service.
//
// This package holds all domain logic independent of the HTTP layer. Web
// handlers, the server binary and tests use it without modification.
//
// # Architecture
//
// The package is organized around four engines and the [Service] that wires
// them to the file store:
//
//   - Ingest: [IngestSink] appends ordered chunks to one file; the
//     [UploadRegistry] keeps one sink per upload id across requests.
//   - Transform: [Pipeline] parses CSV, applies a [RuleSet] row by row and
//     writes the retained rows with backpressure between the stages.
//   - Range streaming: [RangeStreamResponder] serves a whole file or one
//     byte window.
//   - Broadcast: [Broadcaster] fans log lines out to live subscribers.
//
// # Chunked Upload
//
// Chunks for one upload id are applied strictly in order:
//
//  1. Index 0 for an unknown id starts a session and a file record
//  2. Each chunk is appended and the running size persisted
//  3. A replayed index is acknowledged without writing; a skipped one fails
//  4. The last declared chunk closes the sink and completes the record
//
// Sessions idle longer than the configured timeout are closed by the sweeper.
//
// # Transformation Rules
//
// Rules are applied in order to every row:
//
//	[
//	  {"type": "rename", "from": "amt", "to": "amount"},
//	  {"type": "calculate", "target": "total", "formula": "amount * qty"},
//	  {"type": "filter", "condition": "total > 100"}
//	]
//
// Expressions run in a restricted evaluator over the row's fields only.
// Numeric-looking values bind as numbers. A failing calculate leaves its
// target unset; a failing filter keeps the row. Both are counted and logged.
//
// # Error Handling
//
// Failures carry a kind checked with errors.Is: [ErrValidation],
// [ErrNotFound], [ErrRangeNotSatisfiable], [ErrIO], [ErrChunkOutOfOrder],
// [ErrTooManyJobs]. Technical errors are mapped to user-friendly messages
// using [MapError]:
//
//   - UPL001-UPL006: Upload errors (order, closed sink, session, timeout)
//   - VAL001-VAL005: Validation errors (rules, expressions, required fields)
//   - FILE001-FILE005: File errors (missing, not csv, disk, empty, not ready)
//   - RNG001, PROC001-PROC002, RATE001: Range, job and rate errors
package core
