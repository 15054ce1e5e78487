// Package health provides the probe primitives the readiness cascade
// (pkg/prober) builds on: TCPChecker (open-close a port), HTTPChecker
// (GET a URL, check a status range), and ChallengeChecker (write a
// literal command, match the response) — the three probe kinds Table A
// declares. Status tracks consecutive pass/fail counts so a caller can
// implement the retries-before-unhealthy semantics common to all three.
package health
