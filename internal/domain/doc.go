// Package domain defines the core types and collaborator contracts of the bridge.
//
// Identity, Direction and Metadata are shared by every layer. The interfaces here
// (Transport, IdentityBuilder) are implemented by adapters so that the bridge never
// touches sockets or sessions directly. No implementation code lives here beyond
// small value-type helpers.
package domain
