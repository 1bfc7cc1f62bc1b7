package storage

import (
	"math"
	"strconv"
)

var byteUnits = []string{"B", "KB", "MB", "GB"}

// FormatBytes renders n in the largest fitting unit, rounded to one
// decimal with trailing zeros dropped, e.g. "1.5 KB" or "10 MB".
func FormatBytes(n uint64) string {
	if n == 0 {
		return "0 B"
	}
	v := float64(n)
	unit := 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	v = math.Round(v*10) / 10
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + byteUnits[unit]
}
