// Package sip implements the SIP transaction layer defined in RFC 3261
// Section 17, with the Accepted state amendments from RFC 6026.
//
// The package provides the four transaction state machines (INVITE and
// non-INVITE, client and server side), transaction keys and matching rules,
// retransmission and timeout timers, and a [TransactionManager] that routes
// inbound messages to live transactions. Message parsing and socket I/O are
// out of scope: callers plug in their own [ClientTransport] and
// [ServerTransport] implementations.
package sip
