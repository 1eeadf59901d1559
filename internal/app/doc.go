// Package app holds the demo application served over the bridge: a client
// sends "ping" and every other client receives "pong".
package app
