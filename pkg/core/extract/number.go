package extract

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Number is a float64 that also decodes from numeric strings such as
// "12.5%", "$1,200" or "20x". null and unparseable strings decode to 0.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] != '"' {
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*n = Number(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*n = Number(ParseNumber(s))
	return nil
}

// Float returns n as a float64.
func (n Number) Float() float64 { return float64(n) }

// ParseNumber reads the leading numeric value of s after stripping currency
// symbols, thousands separators and unit suffixes. It returns 0 if s holds
// no number.
func ParseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("$", "", ",", "", "%", "", "x", "", "X", "").Replace(s)
	s = strings.TrimSpace(s)

	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= '0' && c <= '9') || c == '.' || ((c == '-' || c == '+') && end == 0) {
			end++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return f
}
