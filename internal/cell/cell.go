// Package cell queries the serving and neighbor cell environment through the
// modem's AT command channel and parses the +QENG responses.
package cell

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RAT is the radio access technology of a cell measurement.
type RAT int

const (
	RATNone RAT = iota
	RATLTE
	RATLTECatM1
	RATLTENbIot
)

func (r RAT) String() string {
	// The wire format reports everything LTE-derived as "lte".
	switch r {
	case RATLTE, RATLTECatM1, RATLTENbIot:
		return "lte"
	default:
		return "none"
	}
}

// Serving is the currently camped cell.
type Serving struct {
	RAT         RAT
	MCC         uint32
	MNC         uint32
	TAC         uint32
	CellID      uint32
	SignalPower int
}

// Neighbor is one entry of a neighbor-cell scan.
type Neighbor struct {
	RAT            RAT
	EARFCN         uint32
	NeighborID     uint32
	SignalQuality  int
	SignalPower    int
	SignalStrength int
}

func parseRAT(s string) (RAT, error) {
	switch {
	case strings.HasPrefix(s, "CAT-M"):
		return RATLTECatM1, nil
	case strings.HasPrefix(s, "CAT-NB"):
		return RATLTENbIot, nil
	case strings.HasPrefix(s, "LTE"):
		return RATLTE, nil
	default:
		return RATNone, errors.Errorf("unsupported RAT %q", s)
	}
}

// splitQENG strips the +QENG prefix and returns the comma-separated fields
// with surrounding quotes removed.
func splitQENG(line, kind string) ([]string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "+QENG:") {
		return nil, errors.Errorf("not a +QENG response: %q", line)
	}

	fields := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, "+QENG:")), ",")
	for i, f := range fields {
		fields[i] = strings.Trim(strings.TrimSpace(f), `"`)
	}
	if len(fields) == 0 || !strings.HasPrefix(fields[0], kind) {
		return nil, errors.Errorf("not a %s response: %q", kind, line)
	}
	return fields, nil
}

// ParseServing parses one serving-cell line, e.g.
//
//	+QENG: "servingcell","NOCONN","CAT-M","FDD",222,10,5FA8B0B,288,6300,20,3,3,2C25,-97,-11,-68,14,-
//
// Field layout: kind, state, rat, duplex, mcc, mnc, cellid(hex), pcid,
// earfcn, band, ul_bw, dl_bw, tac(hex), rsrp, ...
func ParseServing(line string) (Serving, error) {
	fields, err := splitQENG(line, "servingcell")
	if err != nil {
		return Serving{}, err
	}
	if len(fields) < 14 {
		return Serving{}, errors.Errorf("short servingcell response: %q", line)
	}

	rat, err := parseRAT(fields[2])
	if err != nil {
		return Serving{}, err
	}

	mcc, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return Serving{}, errors.Wrap(err, "bad mcc")
	}
	mnc, err := strconv.ParseUint(fields[5], 10, 32)
	if err != nil {
		return Serving{}, errors.Wrap(err, "bad mnc")
	}
	cellID, err := strconv.ParseUint(fields[6], 16, 32)
	if err != nil {
		return Serving{}, errors.Wrap(err, "bad cell id")
	}
	tac, err := strconv.ParseUint(fields[12], 16, 32)
	if err != nil {
		return Serving{}, errors.Wrap(err, "bad tac")
	}
	rsrp, err := strconv.Atoi(fields[13])
	if err != nil {
		return Serving{}, errors.Wrap(err, "bad signal power")
	}

	return Serving{
		RAT:         rat,
		MCC:         uint32(mcc),
		MNC:         uint32(mnc),
		TAC:         uint32(tac),
		CellID:      uint32(cellID),
		SignalPower: rsrp,
	}, nil
}

// ParseNeighbor parses one neighbor-cell line, e.g.
//
//	+QENG: "neighbourcell intra","CAT-M",6300,288,-11,-97,-68
//
// Field layout: kind, rat, earfcn, cell id, rsrq, rsrp, rssi.
func ParseNeighbor(line string) (Neighbor, error) {
	fields, err := splitQENG(line, "neighbourcell")
	if err != nil {
		return Neighbor{}, err
	}
	if len(fields) < 7 {
		return Neighbor{}, errors.Errorf("short neighbourcell response: %q", line)
	}

	rat, err := parseRAT(fields[1])
	if err != nil {
		return Neighbor{}, err
	}

	earfcn, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Neighbor{}, errors.Wrap(err, "bad earfcn")
	}
	id, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Neighbor{}, errors.Wrap(err, "bad neighbor id")
	}
	rsrq, err := strconv.Atoi(fields[4])
	if err != nil {
		return Neighbor{}, errors.Wrap(err, "bad signal quality")
	}
	rsrp, err := strconv.Atoi(fields[5])
	if err != nil {
		return Neighbor{}, errors.Wrap(err, "bad signal power")
	}
	rssi, err := strconv.Atoi(fields[6])
	if err != nil {
		return Neighbor{}, errors.Wrap(err, "bad signal strength")
	}

	return Neighbor{
		RAT:            rat,
		EARFCN:         uint32(earfcn),
		NeighborID:     uint32(id),
		SignalQuality:  rsrq,
		SignalPower:    rsrp,
		SignalStrength: rssi,
	}, nil
}
