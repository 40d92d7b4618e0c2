package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// When set, store reads go to the write pool instead of the read replica,
	// which callers need right after a write (mark-read then fetch).
	UseMasterDBKey = ContextKey("use_master")
)
