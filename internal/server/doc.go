// Package server implements the HTTP and WebSocket surface of roomhub.
//
// The implementation is organized into specialized files for configuration,
// the WebSocket channel adapter, clients, routing, metrics and HTTP handlers.
// Room membership, admission and broadcast live in the registry package; this
// package only translates between it and the network.
package server
