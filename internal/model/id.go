package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh run id. ULIDs sort by creation time, which keeps run
// listings and event history stable under the same ordering as the ids.
func NewID() string {
	return ulid.Make().String()
}
