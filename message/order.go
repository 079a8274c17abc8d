package message

import "sort"

// Less reports whether a is displayed before b: newest first, ties broken
// by id descending.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Sort orders messages for display, in place.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return Less(msgs[i], msgs[j])
	})
}
