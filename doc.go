// Package ixmp is a client for versioned storage of integrated-assessment
// and energy-systems modeling data.
//
// A Platform connects to one storage engine and exposes the shared
// registries (models, scenarios, units, regions, time-slices) plus
// annotations. TimeSeries and Scenario handles address one
// (model, scenario, version) run each: TimeSeries covers time-indexed
// observations and geodata, Scenario adds the structured model data
// (sets, parameters, variables, equations) and solution handling.
//
// Runs are versioned. Edits happen inside a checkout and become durable
// and version-stamped at commit; uncommitted changes can be discarded.
// One run version per (model, scenario) may be flagged as the default.
//
// Engines register themselves by name: "memory" (in-process), "file"
// (JSON documents in a directory) and "postgres" (PostgreSQL via pgx).
// Reads of item data are memoized through an optional caching decorator
// backed by an in-process map or Redis.
package ixmp
