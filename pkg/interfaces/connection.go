package interfaces

// Connection is a live, authenticated client connection handle.
// Implementations must allow WriteEvent from many goroutines; writes are
// serialized by a single writer.
type Connection interface {
	// ID is unique per connection, including reconnects of the same identity
	ID() string

	// Identity is the principal verified at handshake
	Identity() string

	// AuthToken is the bearer credential presented at handshake. It is
	// forwarded to collaborators that act on behalf of the identity.
	AuthToken() string

	// WriteEvent queues a named event for delivery to the client
	WriteEvent(event string, data any) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// Done is closed once the connection is closed
	Done() <-chan struct{}
}
