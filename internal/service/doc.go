package service

// Package service implements supervision of configured risk audits.
//
// Overview
// The Supervisor owns an event loop over the audits named in the config.
// Clients request a sweep via Start, the scheduler does the same in timer
// mode. Only one sweep may run at a time.
//
// An AuditRunner executes a single audit: it submits the risk job, waits
// for the terminal state and returns the rendered findings. The supervisor
// never interprets findings, it only moves them to the sinks.
//
// Sinks are thin publishing targets:
//   - WriteSink streams findings to a writer (stdout by default)
//   - DirSink drops one file per audit run under a directory
//   - BucketSink saves findings as cloud storage objects
//
// Data flow:
//
//   Supervisor              parallel.Map             AuditRunner
//       |                        |                       |
//   start("**") --> sweep ------>|                       |
//       |                        | Run(ctx, audit) ----->| submit + await job
//       |                        |<------ findings ------| (job reaches DONE)
//       |<------- Result --------|                       |
//       | publish to sinks       |                       |
//
// Modes:
//   - manual: one sweep on entry, Do returns the joined audit errors
//   - timer: sweeps follow the cron or duration schedule until ctx ends
//
// Invariants:
//   - At most one sweep at a time, later triggers are dropped.
//   - A sweep runs audits with bounded parallelism (service.parallel).
//   - Each audit produces exactly one Result (findings or error).
//   - Findings go to every sink, a failing sink does not stop the others.
//
// internal/service/supervisor_test.go is the best source about how to
// properly use the Supervisor struct.
