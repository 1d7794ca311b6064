// Package session keeps a write-behind Redis copy of who is connected to the
// relay. Connections are stored by connection ID; announced identities and
// block lists are stored by display name so they survive a reconnect under
// the same name. Nothing in this package is read while routing.
package session
