package dsync

import "github.com/go-git/go-git/v5/plumbing"

// BlobSHA returns the git blob id of content. It is the hash GitHub reports as
// a file's sha and GitLab as its blob_id.
func BlobSHA(content string) string {
	return plumbing.ComputeHash(plumbing.BlobObject, []byte(content)).String()
}
