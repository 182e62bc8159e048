package targets

import (
	"fmt"
	"strconv"
	"strings"
)

// parseOctetRange parses one octet position: "X" or "X-Y".
func parseOctetRange(s string) (lo, hi int, err error) {
	if strings.Contains(s, "-") {
		bounds := strings.Split(s, "-")
		if len(bounds) != 2 {
			return 0, 0, fmt.Errorf("invalid range syntax: %s", s)
		}
		start, err1 := strconv.Atoi(bounds[0])
		end, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("invalid range numbers: %s", s)
		}
		if start < 0 || end > 255 || start > end {
			return 0, 0, fmt.Errorf("invalid octet range: %d-%d", start, end)
		}
		return start, end, nil
	}

	val, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid octet: %s", s)
	}
	if val < 0 || val > 255 {
		return 0, 0, fmt.Errorf("octet out of bounds: %d", val)
	}
	return val, val, nil
}
