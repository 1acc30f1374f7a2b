package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/e7canasta/orion-capture-display/internal/fourcc"
	"github.com/e7canasta/orion-capture-display/internal/pipeline"
)

const positionalCount = 8

var errUsage = errors.New("usage: <SRCWidth> <SRCHeight> <SRCFormat> <DSTWidth> <DSTHeight> <DSTFormat> <interlace> <translen> [display options]")

// parsePositional reads the leading transform arguments and returns the
// remaining display arguments.
func parsePositional(argv []string) (pipeline.Config, []string, error) {
	var cfg pipeline.Config
	if len(argv) < positionalCount {
		return cfg, nil, errUsage
	}

	src, err := parseFrame("source", argv[0], argv[1], argv[2])
	if err != nil {
		return cfg, nil, err
	}
	dst, err := parseFrame("destination", argv[3], argv[4], argv[5])
	if err != nil {
		return cfg, nil, err
	}

	interlace, err := strconv.Atoi(argv[6])
	if err != nil || interlace < 0 {
		return cfg, nil, fmt.Errorf("invalid interlace %q", argv[6])
	}
	translen, err := strconv.Atoi(argv[7])
	if err != nil || translen < 0 {
		return cfg, nil, fmt.Errorf("invalid translen %q", argv[7])
	}

	cfg.Source = src
	cfg.Dest = dst
	cfg.Deinterlace = interlace != 0
	cfg.TransLen = translen
	return cfg, argv[positionalCount:], nil
}

func parseFrame(side, w, h, format string) (pipeline.Frame, error) {
	width, err := strconv.ParseUint(w, 10, 32)
	if err != nil || width == 0 {
		return pipeline.Frame{}, fmt.Errorf("invalid %s width %q", side, w)
	}
	height, err := strconv.ParseUint(h, 10, 32)
	if err != nil || height == 0 {
		return pipeline.Frame{}, fmt.Errorf("invalid %s height %q", side, h)
	}
	code, err := fourcc.Parse(format)
	if err != nil {
		return pipeline.Frame{}, fmt.Errorf("%s format: %w", side, err)
	}
	return pipeline.Frame{Width: uint32(width), Height: uint32(height), Format: code}, nil
}
