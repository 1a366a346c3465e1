// Package sandbox executes restricted read-only SQL over per-session SQLite
// containers.
//
// Each collaboration session owns one database file under the configured data
// directory, created with owner-only permissions. A container holds a
// reserved _session_metadata table plus one all-TEXT table per ingested
// dataset. Table names are derived deterministically from the dataset id and
// sanitized dataset name; a collision is a creation error, never an
// overwrite.
//
// Query safety is defense in depth, not a single mechanism: the statement
// must begin with SELECT, must not contain denylisted administrative
// keywords, runs on a connection opened read-only with query_only set, and is
// bounded by a wall-clock deadline that interrupts the engine. Loads use
// parameterized prepared statements exclusively.
//
// The engine serializes loads and queries per session; SQLite is not safe for
// concurrent writers and readers against one file. Operations on different
// sessions are fully independent.
package sandbox
