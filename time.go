package kafs

import "time"

// nowUnix returns the current time as the uint32 epoch seconds stored in
// inode and superblock timestamp fields.
func nowUnix() uint32 {
	return uint32(time.Now().Unix())
}
