package drm

import (
	"fmt"
	"strconv"
	"strings"
)

// OutputSpec selects a connector, an optional crtc and a mode by name.
type OutputSpec struct {
	Connector uint32
	// CRTC overrides the crtc the encoder would pick. Zero means automatic.
	CRTC uint32
	Mode string
}

func (s OutputSpec) String() string {
	if s.CRTC != 0 {
		return fmt.Sprintf("%d@%d:%s", s.Connector, s.CRTC, s.Mode)
	}
	return fmt.Sprintf("%d:%s", s.Connector, s.Mode)
}

// ParseOutputSpec parses "id:mode" or "id@crtc:mode".
func ParseOutputSpec(s string) (OutputSpec, error) {
	head, mode, ok := strings.Cut(s, ":")
	if !ok || mode == "" {
		return OutputSpec{}, fmt.Errorf("invalid output %q: want id:mode or id@crtc:mode", s)
	}

	var spec OutputSpec
	spec.Mode = mode

	conn, crtc, hasCRTC := strings.Cut(head, "@")
	id, err := strconv.ParseUint(conn, 10, 32)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("invalid connector in %q: %w", s, err)
	}
	spec.Connector = uint32(id)

	if hasCRTC {
		c, err := strconv.ParseUint(crtc, 10, 32)
		if err != nil {
			return OutputSpec{}, fmt.Errorf("invalid crtc in %q: %w", s, err)
		}
		spec.CRTC = uint32(c)
	}
	return spec, nil
}

// Output is a connector resolved to an encoder, a crtc and a mode.
type Output struct {
	Connector uint32
	Encoder   uint32
	CRTC      uint32
	// Pipe is the crtc's index in the card resources.
	Pipe int
	Mode ModeInfo
}

// ResolveOutput walks connector → encoder → crtc for spec. An unassigned
// encoder falls back to the connector's first encoder, and an encoder without
// a crtc takes the first crtc it can drive.
func ResolveOutput(k KMS, res *Resources, spec OutputSpec) (*Output, error) {
	var conn *Connector
	for _, id := range res.Connectors {
		if id != spec.Connector {
			continue
		}
		c, err := k.Connector(id)
		if err != nil {
			return nil, fmt.Errorf("connector %d: %w", id, err)
		}
		conn = c
		break
	}
	if conn == nil || len(conn.Modes) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoConnector, spec.Connector)
	}

	out := &Output{Connector: conn.ID, Pipe: -1}
	found := false
	for _, m := range conn.Modes {
		if m.Name == spec.Mode {
			out.Mode = m
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q on connector %d", ErrNoMode, spec.Mode, conn.ID)
	}

	enc, err := pickEncoder(k, res, conn)
	if err != nil {
		return nil, err
	}
	out.Encoder = enc.ID
	out.CRTC = enc.CRTCID
	if spec.CRTC != 0 {
		out.CRTC = spec.CRTC
	}

	out.Pipe = res.CRTCIndex(out.CRTC)
	if out.Pipe < 0 {
		return nil, fmt.Errorf("%w: crtc %d not on card", ErrNoCRTC, out.CRTC)
	}
	return out, nil
}

func pickEncoder(k KMS, res *Resources, conn *Connector) (*Encoder, error) {
	want := conn.EncoderID
	for _, id := range conn.Encoders {
		enc, err := k.Encoder(id)
		if err != nil {
			continue
		}
		if want == 0 {
			want = enc.ID
		}
		if enc.ID != want {
			continue
		}
		if enc.CRTCID == 0 {
			for i, crtc := range res.CRTCs {
				if enc.PossibleCRTCs&(1<<uint(i)) != 0 {
					enc.CRTCID = crtc
					break
				}
			}
			if enc.CRTCID == 0 {
				return nil, fmt.Errorf("%w: encoder %d", ErrNoCRTC, enc.ID)
			}
		}
		return enc, nil
	}
	return nil, fmt.Errorf("%w: connector %d", ErrNoEncoder, conn.ID)
}

// LargestMode returns the mode with the biggest visible area. The first one
// wins among equals.
func LargestMode(modes []ModeInfo) (ModeInfo, bool) {
	var best ModeInfo
	area := 0
	for _, m := range modes {
		if a := int(m.HDisplay) * int(m.VDisplay); a > area {
			best, area = m, a
		}
	}
	return best, area > 0
}
