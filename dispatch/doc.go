// Package dispatch implements the delivery core of a SIP stack.
//
// The [Dispatcher] owns all outbound delivery and inbound demultiplexing
// between the transport legs and the upper transaction or application
// layer. It keeps a delivery queue with RFC 3261 retransmit scheduling,
// a short-term response cache answering request retransmissions, a leg
// registry, and a URI resolver that turns SIP URIs into prioritised
// lists of (leg, address) delivery targets using static proxy tables,
// embedded IP literals and DNS SRV/A records.
package dispatch
