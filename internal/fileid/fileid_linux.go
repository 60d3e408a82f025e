package fileid

import (
	"golang.org/x/sys/unix"
)

// Get uses statx to get at the birth time of the file.
func Get(name string) (ID, error) {
	var stat unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, name,
		unix.AT_SYMLINK_NOFOLLOW|unix.AT_STATX_SYNC_AS_STAT,
		unix.STATX_INO|unix.STATX_BTIME,
		&stat)
	if err != nil {
		return ID{}, err
	}
	dev := uint64(stat.Dev_major)<<32 | uint64(stat.Dev_minor)
	if stat.Mask&unix.STATX_BTIME == 0 {
		// some filesystems keep no birth time
		return makeID(stat.Ino, dev, 0, 0, name), nil
	}
	return makeID(stat.Ino, dev, stat.Btime.Sec, stat.Btime.Nsec, name), nil
}
