package grbl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/machine"
)

// parseCoords reads the first three axes; extra axes (A, B...) reported
// by some grbl forks are ignored.
func parseCoords(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return p, errors.New("invalid number of elements")
	}
	for i, a := range coord.Axes {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return p, err
		}
		p = p.Set(a, v)
	}
	return p, nil
}

// parseStatus applies a status report to the previous state. WCO is only
// sent periodically, so the last known value is kept; Pn is omitted when
// no pin is active.
func parseStatus(stat machine.State, data string) (*machine.State, error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return nil, errors.New("not a status report: " + data)
	}
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	stat.Status = parts[0]
	stat.Pins = ""

	var wPos *coord.Point
	var err error
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			stat.MPos, err = parseCoords(sParts[1])
		case "WPos":
			var p coord.Point
			p, err = parseCoords(sParts[1])
			wPos = &p
		case "WCO":
			stat.WCO, err = parseCoords(sParts[1])
		case "Pn":
			stat.Pins = sParts[1]
		}
		if err != nil {
			return nil, err
		}
	}
	if wPos != nil {
		stat.MPos = wPos.Add(stat.WCO)
	}
	return &stat, nil
}
