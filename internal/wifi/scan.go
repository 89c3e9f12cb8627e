// Package wifi collects nearby access points for location enrichment by
// driving an `iw` scan on the auxiliary WiFi interface.
package wifi

import (
	"context"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// MaxCollect caps how many access points a single scan may return;
	// the payload budget truncates further.
	MaxCollect = 20

	scanTimeout = 15 * time.Second
)

// AccessPoint is one scan result.
type AccessPoint struct {
	BSSID   string
	Channel int
	Signal  int // dBm, rounded
}

// Scanner shells out to iw for scans.
type Scanner struct {
	iface  string
	logger *log.Logger
}

func NewScanner(iface string, logger *log.Logger) *Scanner {
	return &Scanner{iface: iface, logger: logger}
}

// Scan triggers a synchronous scan and returns up to MaxCollect entries.
func (s *Scanner) Scan(ctx context.Context) ([]AccessPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "iw", "dev", s.iface, "scan").Output()
	if err != nil {
		return nil, errors.Wrapf(err, "wifi scan on %s failed", s.iface)
	}

	return parseScan(string(out)), nil
}

// parseScan extracts BSSID/signal/channel triples from iw scan output.
// Entries missing a signal or channel line are kept with zero values;
// malformed lines are skipped, never fatal.
func parseScan(out string) []AccessPoint {
	var (
		aps     []AccessPoint
		current *AccessPoint
	)

	flush := func() {
		if current != nil && len(aps) < MaxCollect {
			aps = append(aps, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "BSS ") {
			flush()
			bssid := strings.Fields(strings.TrimPrefix(trimmed, "BSS "))[0]
			// iw appends "(on wlan0)" to the address field.
			if i := strings.IndexByte(bssid, '('); i >= 0 {
				bssid = bssid[:i]
			}
			current = &AccessPoint{BSSID: bssid}
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "signal:"):
			val := strings.TrimSpace(strings.TrimSuffix(
				strings.TrimSpace(strings.TrimPrefix(trimmed, "signal:")), "dBm"))
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				current.Signal = int(f)
			}
		case strings.HasPrefix(trimmed, "DS Parameter set: channel"):
			val := strings.TrimSpace(strings.TrimPrefix(trimmed, "DS Parameter set: channel"))
			if ch, err := strconv.Atoi(val); err == nil {
				current.Channel = ch
			}
		}
	}
	flush()

	return aps
}
