package storage

// Package storage provides a minimal persistence layer for the engine.
//
// It currently supports:
//   - Dispatch log appends (gateway send attempts)
//   - Seen-event ledger (dedup state that survives restarts)
