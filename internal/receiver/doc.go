// Package receiver interprets inbound RTPS messages: it walks the
// submessages of one datagram, tracks the per-message receiver state set by
// the INFO submessages, and routes entity submessages to the local endpoints
// of an endpoint.Registry.
package receiver
