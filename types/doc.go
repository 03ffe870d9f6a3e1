// Package types provides core types shared across npcflow.
// This package has ZERO dependencies on other npcflow packages to avoid
// circular imports. All other packages should import types from here.
//
// Core types:
//
//   - Message / Role     — a single conversation turn (system / user / npc)
//   - Error / ErrorCode  — structured error taxonomy with Retryable marker
//   - RouteAttempt       — per-try routing record, observability only
//   - DialogueOption     — one selectable player line
//   - DialogueUpdate     — the payload delivered to the caller-facing layer
package types
