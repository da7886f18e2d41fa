// Package signaling is the linkup relay: a websocket rendezvous server that
// routes send messages to every connection listening on their linkup id.
//
// The relay keeps no backlog. A send for an id nobody currently listens on is
// dropped, and listens are forgotten when their connection goes away; clients
// re-declare them on reconnect.
package signaling
