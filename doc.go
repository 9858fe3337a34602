// Package nsite publishes a directory of files as a static site
// on a decentralized network made of two kinds of servers.
//
// Blob servers
// (speaking the Blossom HTTP protocol)
// store file contents,
// indexed by their sha2-256 hash.
// That hash is the file's "ref."
//
// Relays
// (speaking the Nostr wire protocol)
// store small signed events.
// A site's manifest is one such event:
// it binds each path in the site to the ref of that path's contents,
// and it is signed by the site's publisher.
// Any gateway can fetch the newest manifest for a publisher from a relay
// and then serve each path by fetching its blob from a blob server.
//
// Publishing a site means:
// scanning the local directory
// (package scan),
// fetching and merging the manifest that is already published
// (package manifest),
// computing the difference between the two
// (package reconcile),
// uploading what's missing to every blob server
// (package upload),
// and publishing a fresh manifest describing the complete site
// (package publish).
// Package deploy strings those steps together.
//
// Since a manifest always carries the whole site and not a delta,
// a relay that holds only the newest manifest event
// has everything a gateway needs.
package nsite
