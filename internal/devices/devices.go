// Package devices lists the video inputs the media device layer can see,
// for picking a capture node.
package devices

import (
	"fmt"
	"io"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera driver
	"github.com/sirupsen/logrus"
)

// VideoInput is one enumerated capture device.
type VideoInput struct {
	ID    string
	Label string
	Kind  string
}

// enumerate is swapped in tests.
var enumerate = mediadevices.EnumerateDevices

// List returns the video inputs.
func List() []VideoInput {
	devices := enumerate()
	result := make([]VideoInput, 0, len(devices))

	for _, device := range devices {
		if device.Kind != mediadevices.VideoInput {
			continue
		}
		result = append(result, VideoInput{
			ID:    device.DeviceID,
			Label: device.Label,
			Kind:  string(device.DeviceType),
		})
	}

	logrus.WithFields(logrus.Fields{
		"component": "devices",
		"found":     len(result),
		"total":     len(devices),
	}).Debug("video inputs enumerated")
	return result
}

// Print writes the video inputs to w, one per line.
func Print(w io.Writer, inputs []VideoInput) error {
	if _, err := fmt.Fprintln(w, "Available video inputs:"); err != nil {
		return err
	}
	if len(inputs) == 0 {
		_, err := fmt.Fprintln(w, "  (none)")
		return err
	}
	for i, in := range inputs {
		if _, err := fmt.Fprintf(w, "[%d] %s (%s) id=%s\n", i, in.Label, in.Kind, in.ID); err != nil {
			return err
		}
	}
	return nil
}
