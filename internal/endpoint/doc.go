// Package endpoint owns local RTPS readers and writers.
//
// Ownership boundary:
// - Reader: matched writer proxies, ordered delivery, ACKNACK responses
// - Writer: matched reader proxies, history, retransmission, heartbeats
// - Registry: the endpoint table; proxies refer to their owner by Index
// - Sender: the outbound transport seam
//
// Each endpoint has one mutex guarding its proxies and history. Datagrams
// are built under the lock and sent after it is released.
package endpoint
