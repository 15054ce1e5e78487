// Package log provides structured logging for the orchestrator using
// zerolog: a global logger initialized once via Init, and scoped
// child loggers (WithExperiment, WithPhase, WithHost, WithComponent)
// for attaching context without threading it through every call.
package log
