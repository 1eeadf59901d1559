package domain

import "fmt"

// Direction says which way events flow on a channel.
type Direction uint8

const (
	// Listen is client to server: a client frame fires the local signal.
	Listen Direction = 1 << iota
	// Broadcast is server to client: the local signal is sent to clients.
	Broadcast
	// Both combines Listen and Broadcast.
	Both = Listen | Broadcast
)

func (d Direction) Has(other Direction) bool {
	return d&other == other
}

func (d Direction) String() string {
	switch d {
	case Listen:
		return "listen"
	case Broadcast:
		return "broadcast"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}
