// Package bridge connects local signals to client connections.
//
// A Bridge owns a set of connection classes, each with its own channel
// registry. Opening a connection subscribes one listener per Broadcast
// channel of its class; closing it removes every one of them. Classes of a
// relay-enabled kind also forward their Broadcast signals through the relay
// and receive the frames other processes publish.
package bridge
