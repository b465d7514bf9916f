package session

// Session is one authenticated browser session. Field values are treated
// as immutable by callers; only the Store mutates LastActivityAt.
type Session struct {
	SessionID string
	UserID    string

	CreatedAt      int64
	ExpiresAt      int64
	LastActivityAt int64
}
