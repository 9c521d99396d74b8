// Package registry is the Resource Registry: named Computers (where and how
// jobs run) and Codes (what runs there).
//
// Lookups are pure reads. Updates are administrative and guarded by name
// uniqueness; re-registering an identical record is a no-op, a different
// record under an existing name fails.
//
// Codes are addressed as "name@computer", or by bare name when only one
// computer carries that code. Each Code is stored as a sealed data.code node
// so CalcJobs can link to it as an input.
//
// Registry files (.yaml, .yml, .json or .cue) are validated against the
// embedded CUE schema before anything is written.
package registry
