package throttle

import (
	"fmt"
	"regexp"
	"strconv"
)

var unmarshalRegex = regexp.MustCompile(`^(\d+)\s?([KMGT]?Bps)$`)

// Byterate is a transfer rate in bytes per second. Zero means unlimited.
type Byterate int64

const (
	Bps  Byterate = 1
	KBps          = 1024 * Bps
	MBps          = 1024 * KBps
	GBps          = 1024 * MBps
	TBps          = 1024 * GBps
)

var units = []struct {
	name string
	rate Byterate
}{
	{"TBps", TBps},
	{"GBps", GBps},
	{"MBps", MBps},
	{"KBps", KBps},
	{"Bps", Bps},
}

func (br *Byterate) UnmarshalText(b []byte) error {
	if string(b) == "0" {
		*br = 0
		return nil
	}
	comps := unmarshalRegex.FindStringSubmatch(string(b))
	if len(comps) != 3 {
		return fmt.Errorf("invalid byterate format %s should be n Bps, n KBps, n MBps, n GBps, or n TBps", string(b))
	}
	v, err := strconv.Atoi(comps[1])
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.name == comps[2] {
			*br = Byterate(v) * u.rate
			return nil
		}
	}
	return fmt.Errorf("unknown unit %s", comps[2])
}

func (br Byterate) MarshalText() ([]byte, error) {
	return []byte(br.String()), nil
}

// String formats the rate with the largest unit that divides it evenly.
func (br Byterate) String() string {
	if br == 0 {
		return "0"
	}
	for _, u := range units {
		if br%u.rate == 0 {
			return fmt.Sprintf("%d %s", br/u.rate, u.name)
		}
	}
	return fmt.Sprintf("%d Bps", br)
}
