//go:build unix && !linux && !darwin

package fileid

import (
	"os"
	"syscall"
)

func Get(name string) (ID, error) {
	inf, err := os.Lstat(name)
	if err != nil {
		return ID{}, err
	}
	stat, ok := inf.Sys().(*syscall.Stat_t)
	if !ok {
		return ID{}, ErrNotOS
	}
	return makeID(uint64(stat.Ino), uint64(stat.Dev), 0, 0, name), nil
}
