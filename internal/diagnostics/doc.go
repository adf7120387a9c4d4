// Package diagnostics keeps the crash-resilience envelope of the console.
//
//   - Registry: labelled facts (version, build time, configuration file,
//     session id) collected during startup and printed when the process dies.
//
//   - FaultTrap: handles SIGSEGV, SIGINT and SIGTERM, aborts and panics by
//     printing the registry and a goroutine dump, persisting a crash dump, and
//     exiting with 128+signal (or 134 for aborts).
//
//   - CrashDumpWriter: JSON crash dumps written atomically, with resource
//     history and host metrics, pruned to a fixed count.
//
//   - ResourceMonitor and SafeExecutor: FD, goroutine and heap sampling during a
//     session, and job subprocess execution with pre-flight checks and pipe
//     cleanup.
package diagnostics
