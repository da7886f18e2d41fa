// Package linkup multiplexes many logical signaling channels over a single
// websocket per relay server.
//
// A channel is named by a linkup id. Listeners receive "send" messages for
// their linkup id and dispatch them by call id; callers send messages to a
// remote linkup id and advertise a local endpoint for replies. The physical
// connection is dialed lazily, re-registers every active listen after each
// reconnect, and queues outbound messages until it is open.
//
// Payloads are opaque JSON values. Delivery is best effort: nothing queued
// locally is dropped, but a message the relay cannot route simply never
// arrives.
package linkup
