package util

import (
	"github.com/dustin/go-humanize"
)

// FormatHashrate renders a hashrate with SI prefixes, e.g. "1.25 MH/s"
func FormatHashrate(hashrate float64) string {
	if hashrate <= 0 {
		return "0 H/s"
	}
	return humanize.SIWithDigits(hashrate, 2, "H/s")
}

// FormatCount renders an integer with thousands separators
func FormatCount(n int64) string {
	return humanize.Comma(n)
}
