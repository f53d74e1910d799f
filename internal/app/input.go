package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errBlankLine = errors.New("blank line")

// Input is one parsed reaction line.
type Input struct {
	Symbol string
	Target string
	OX, OY float64
}

// ParseReaction parses "<emoji>", "<emoji> <identity>" or
// "<emoji> <identity> <ox> <oy>". A target without offsets is centred.
func ParseReaction(line string) (Input, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return Input{}, errBlankLine
	case 1:
		return Input{Symbol: fields[0]}, nil
	case 2:
		return Input{Symbol: fields[0], Target: fields[1], OX: 0.5, OY: 0.5}, nil
	case 4:
		ox, err := parseOffset(fields[2])
		if err != nil {
			return Input{}, err
		}
		oy, err := parseOffset(fields[3])
		if err != nil {
			return Input{}, err
		}
		return Input{Symbol: fields[0], Target: fields[1], OX: ox, OY: oy}, nil
	}
	return Input{}, fmt.Errorf("cannot parse reaction %q: want <emoji> [identity [ox oy]]", line)
}

func parseOffset(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("offset %q must be a number in [0, 1]", s)
	}
	return v, nil
}
