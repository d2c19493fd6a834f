// Package envelope implements the HIAMP wire envelope.
//
// # Wire Format
//
// A message travels as ordinary chat or issue text. Render produces:
//
//	stefan/architect → alex/backend-dev
//
//	Ready for review.
//
//	<details>
//	<summary>HIAMP envelope</summary>
//
//	---
//	hq-msg: v1 | id: msg-a1b2c3d4 | from: stefan/architect | to: alex/backend-dev | intent: handoff
//	</details>
//
// The details wrapper is optional (see Folded). Parse accepts both forms,
// plus metadata spread across several trailing lines. Values escape
// backslash, pipe and newlines so any ref or token survives a round trip.
//
// # Validation
//
// Validate never rejects unknown keys; Parse keeps them in Message.Extra
// and Render writes them back, so newer peers stay readable.
package envelope
