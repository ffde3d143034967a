// Package websocket pushes view snapshots and toasts to the browsers watching a view.
//
// A Hub owns every connection on this instance. It is an actor: all state lives in one
// goroutine and is reached through a command channel. Each connection gets a clientWriter
// that serializes writes and keeps the socket alive with pings.
package websocket
