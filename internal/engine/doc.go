// Package engine drains the outbox to the central authority.
//
// ARCHITECTURE:
//
// Single drain at a time:
// An atomic draining flag guards every pass. TriggerSync never blocks; it
// signals the Run loop through a buffered channel of size 1, so a burst of
// triggers collapses into one follow-up pass. A Drain call that finds a pass
// in flight returns immediately and marks the running pass for a rescan.
//
// Per-record pipeline (FIFO by outbox seq):
//  1. pending → syncing (Claim)
//  2. commit, keyed by the record's local key
//  3. upload the local photo, then attach its URL to the committed record
//  4. syncing → synced, then archive into the confirmed ledger
//
// A network failure on commit ends the pass: the connection is probably
// gone and later records would only burn their retry budget. Photo failures
// do not end the pass; each record's photo is independent.
//
// Retries:
// Failed records carry a retry count and a next-attempt time derived from
// RetryPolicy. They go back to pending when that time passes (checked on
// each retry tick against the injected Clock) or on the next offline→online
// edge, whichever comes first. Conflicts and server rejections are terminal.
package engine
