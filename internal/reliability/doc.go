// Package reliability keeps per-remote-endpoint reliability state.
//
// Ownership boundary:
// - WriterProxy: what a local reader knows about one remote writer
// - ReaderProxy: what a local writer knows about one remote reader
// - RangeSet: compact sequence number sets that never enumerate ranges
//
// Proxies are plain bookkeeping. They do no I/O, hold no locks and never
// reference their owning endpoint.
package reliability
