// Package domain defines the records and token alphabets shared by the
// campaign workers: contacts and their events, queue rows, message audit
// rows, sender cooldown stats, bounce quarantine entries, and custom
// flows.
//
// Stage, status and message-type values are stored as strings in the
// database; all normalisation of legacy variants happens here, at the
// read boundary, so the workers only ever reason about canonical tokens.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - Validation and normalisation methods are allowed (pure functions)
package domain
