// Package protocol owns the typed message catalogue spoken with the engine.
//
// Ownership boundary:
// - frame: [code, payload] envelope primitives
// - schema: per-code field requirements
// - this package: Go types per message, Encode and Decode
package protocol
