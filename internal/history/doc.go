// Package history holds the cache changes of local endpoints.
//
// Ownership boundary:
// - CacheChange value and its reference-counted payload
// - payload buffer pool
// - Store: changes ordered by (writer GUID, sequence number) with an optional
//   KEEP_LAST depth
//
// A Store is not safe for concurrent use; its endpoint's lock guards it.
package history
