// Package akre is a client library for a RESP-speaking key-value server. It
// exposes an asynchronous request/reply API backed by a supervised pool of
// persistent connections.
package akre

// Expectation identifies the reply shape a Command's caller is allowed to
// assume. It is part of a Command's static identity: it never changes once
// the Command is built. The connection actor checks setup command replies
// against it, and ClosesConnection is derived from it. The typed extractors
// in package client check the shape of the reply they receive; they do not
// consult this tag.
type Expectation int

const (
	// Unconstrained means any success reply shape is acceptable.
	Unconstrained Expectation = iota
	// BulkExpected means the success reply must be a BulkString.
	BulkExpected
	// IntegerExpected means the success reply must be an Integer.
	IntegerExpected
	// OkStatusExpected means the success reply must be the SimpleString "OK".
	OkStatusExpected
	// ConnectionCloseExpected means the command tells the server to close
	// the connection (e.g. QUIT, SHUTDOWN); the connection actor transitions
	// to Closing immediately after sending it.
	ConnectionCloseExpected
)

// String implements the Stringer interface.
func (e Expectation) String() string {
	switch e {
	case BulkExpected:
		return "bulk"
	case IntegerExpected:
		return "integer"
	case OkStatusExpected:
		return "ok-status"
	case ConnectionCloseExpected:
		return "connection-close"
	case Unconstrained:
		return "unconstrained"
	default:
		return "unknown expectation"
	}
}

// valid reports whether e is one of the known expectation tags. NewCommand
// uses this to reject an unknown expectation when a Command is built, by
// panicking.
func (e Expectation) valid() bool {
	switch e {
	case Unconstrained, BulkExpected, IntegerExpected, OkStatusExpected, ConnectionCloseExpected:
		return true
	default:
		return false
	}
}

// Command is an immutable, opaque value carrying an ordered argument list and
// an Expectation tag. Construction is the job of an external command
// catalog (GET, SET, ...); this package only needs to serialize whatever
// arguments it is given and to know which reply shape to expect back.
type Command struct {
	name        string
	args        [][]byte
	expectation Expectation
}

// NewCommand builds a Command from a name and its arguments. name is included
// as args[0] on the wire, matching how the server protocol addresses
// commands: there is no separate "command name" framing, only an argument
// array whose first element happens to be the command name.
func NewCommand(name string, expectation Expectation, args ...[]byte) Command {
	if !expectation.valid() {
		panic("akre: unknown expectation tag")
	}

	all := make([][]byte, 0, len(args)+1)
	all = append(all, []byte(name))
	all = append(all, args...)

	return Command{name: name, args: all, expectation: expectation}
}

// Name returns the command's name, e.g. "GET".
func (c Command) Name() string {
	return c.name
}

// Args returns the command's full argument list, including the command name
// as the first element. The returned slice must not be mutated.
func (c Command) Args() [][]byte {
	return c.args
}

// Expectation returns the command's expectation tag.
func (c Command) Expectation() Expectation {
	return c.expectation
}

// ClosesConnection reports whether sending this command should transition
// the owning connection actor to Closing.
func (c Command) ClosesConnection() bool {
	return c.expectation == ConnectionCloseExpected
}

// String returns a short human-readable description of the command, used in
// error messages and logs.
func (c Command) String() string {
	return c.name
}
