// Package types defines the core data structures shared by every
// orchestrator component: the experiment lifecycle, the fleet model,
// the test matrix, and the artefacts produced along the way.
//
// Enums use typed string constants rather than ints, matching the
// rest of the codebase's preference for self-describing values over
// opaque magic numbers. The role → service mapping lives here as
// ServiceTable, a constant slice rather than a set of role-specific
// types, so that adding a role never requires touching the probe or
// executor logic.
package types
