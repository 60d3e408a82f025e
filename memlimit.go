package main

import (
	"math"
	"os"
	"strconv"
)

var memLimit int = calcMemLimit()

// calcMemLimit is the budget in bytes for decoded frames held in memory.
func calcMemLimit() int {
	if e := os.Getenv("MSCAB_MB"); e != "" {
		f, err := strconv.ParseFloat(e, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
			panic("malformed MSCAB_MB environment variable, should be a number of megabytes: " + e)
		}
		return int(f * 1024 * 1024)
	}
	return 256 * 1024 * 1024 // fall back on 256MiB
}

// cacheDir names a directory for decoded frames that outlive the process.
// Empty means frames are only kept in memory.
func cacheDir() string {
	return os.Getenv("MSCAB_CACHE")
}
