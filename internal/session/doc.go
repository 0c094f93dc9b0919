// Package session holds per-conversation context between messages.
//
// A State carries a bounded window of turns, slot values extracted by
// capability handlers, and an optional pending action awaiting the user's
// confirmation. Handlers never mutate State directly; they return Mutations
// which the orchestrator applies while it holds the conversation lock.
//
// Slots are last-write-wins. A slot only disappears when a mutation clears
// it, for example after a booking is confirmed.
//
// Stores load a fresh State when none exists and reset the TTL on every save.
// Implementations: MemoryStore, RedisStore, DynamoStore, and
// store.SQLiteStore.
package session
