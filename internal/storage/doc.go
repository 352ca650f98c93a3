package storage

// Package storage persists the bot's state in a single SQLite file:
//
//   - catalogs, content items and their media parts
//   - per-subscriber delivery sessions (optimistic-versioned)
//   - sponsor creatives and their catalog bindings
//   - backup channel configuration and identifier mappings
//   - append-only delivery/ad events
