package sessionstore

// AuthKeyPrefix namespaces every key written by the auth layer. Staleness
// checks and cleanup only ever look at keys under this prefix, so unrelated
// application state in the same store is never touched.
const AuthKeyPrefix = "auth."

// Store is a scoped key-value area that survives restarts. Implementations
// are best-effort: writes and removals never fail.
type Store interface {
	ListKeys(prefix string) []string
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// HasSessionTokens reports whether any persisted key under the auth
// namespace exists. Used by the reconciler to detect stale tokens left
// behind by a previous session.
func HasSessionTokens(store Store) bool {
	return len(store.ListKeys(AuthKeyPrefix)) > 0
}

// ClearAuthKeys removes every persisted key under the auth namespace and
// returns the set of keys removed. The key set is collected before any
// removal so a partial clear is never observable. Safe to call repeatedly.
func ClearAuthKeys(store Store) []string {
	keys := store.ListKeys(AuthKeyPrefix)
	for _, key := range keys {
		store.Remove(key)
	}
	return keys
}
