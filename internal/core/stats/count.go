package stats

import (
	"regexp"
	"strconv"
)

var digitRun = regexp.MustCompile(`[0-9]+`)

// ExtractCount returns the leftmost run of decimal digits in name.
// "VIP (3) Room 12" yields 3.
func ExtractCount(name string) (int, bool) {
	run := digitRun.FindString(name)
	if run == "" {
		return 0, false
	}

	n, err := strconv.Atoi(run)
	if err != nil {
		return 0, false
	}

	return n, true
}
