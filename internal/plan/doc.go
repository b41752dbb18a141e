// Package plan defines runnable plans, their parameter schemas, and the
// Registry that resolves a submitted task into a BoundPlan.
//
// Resolution is pure: it looks up the plan, validates every parameter
// (reporting all violations at once), applies defaults to the arguments
// handed to the plan's constructor, and optionally wraps the result in a
// wrapper plan. Execution happens elsewhere, through an engine that gives
// the plan a Runtime.
package plan
