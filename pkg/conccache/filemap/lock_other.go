//go:build !unix

package filemap

import "os"

// Without flock only the in-process mutex guards the index; use the bolt
// backend when processes share a cache directory on these platforms.
func flock(*os.File, bool) error { return nil }

func funlock(*os.File) error { return nil }
