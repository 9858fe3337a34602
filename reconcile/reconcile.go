// Package reconcile compares local and remote file sets.
package reconcile

import "github.com/bobg/nsite"

// Result partitions the paths of a local and a remote file set.
// Every path appears in exactly one of the three lists.
type Result struct {
	// ToUpload holds local entries that are absent remotely or whose contents differ.
	ToUpload []nsite.FileEntry

	// ToDelete holds remote entries with no local counterpart.
	// Callers act on them only when purging.
	ToDelete []nsite.FileEntry

	// Unchanged holds local entries whose remote counterparts have the same hash.
	Unchanged []nsite.FileEntry
}

// Reconcile computes the Result for local and remote in O(len(local)+len(remote)).
// Entries are compared by path and hash only;
// sizes and timestamps are ignored.
// When a path appears more than once in one input, the first entry wins.
// Output lists preserve input order,
// local order for ToUpload and Unchanged, remote order for ToDelete.
func Reconcile(local, remote []nsite.FileEntry) Result {
	remoteByPath := make(map[string]nsite.Ref, len(remote))
	for _, e := range remote {
		if _, ok := remoteByPath[e.Path]; !ok {
			remoteByPath[e.Path] = e.SHA256
		}
	}

	var (
		result     Result
		localPaths = make(map[string]bool, len(local))
	)
	for _, e := range local {
		if localPaths[e.Path] {
			continue
		}
		localPaths[e.Path] = true

		if h, ok := remoteByPath[e.Path]; ok && h == e.SHA256 {
			result.Unchanged = append(result.Unchanged, e)
		} else {
			result.ToUpload = append(result.ToUpload, e)
		}
	}

	deleted := make(map[string]bool)
	for _, e := range remote {
		if localPaths[e.Path] || deleted[e.Path] {
			continue
		}
		deleted[e.Path] = true
		result.ToDelete = append(result.ToDelete, e)
	}

	return result
}
