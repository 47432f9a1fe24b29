// Package calibration is the optional per-sensor calibration
// collaborator referenced in spec §4.4: when wired in, the controller
// reads raw Celsius, applies the sensor's offset, and converts to
// Fahrenheit itself instead of trusting the sensor store's
// pre-computed value.
package calibration

import (
	"os"

	"github.com/science/hottub-controller/internal/fsutil"
)

// Offsets is a singleton JSON file keyed by sensor address, each value
// an additive Celsius correction applied before Fahrenheit conversion.
type Offsets map[string]float64

// Service reads calibration offsets and applies them.
type Service struct {
	path string
}

// New builds a Service backed by path.
func New(path string) *Service {
	return &Service{path: path}
}

// Offset returns the calibration offset for address, or 0 if unset or
// the file is absent.
func (s *Service) Offset(address string) float64 {
	offsets, err := s.read()
	if err != nil {
		return 0
	}
	return offsets[address]
}

// Calibrate applies the sensor's offset to a raw Celsius reading and
// converts to Fahrenheit.
func (s *Service) Calibrate(address string, rawC float64) float64 {
	calibratedC := rawC + s.Offset(address)
	return calibratedC*9.0/5.0 + 32.0
}

func (s *Service) read() (Offsets, error) {
	var offsets Offsets
	if err := fsutil.ReadJSON(s.path, &offsets); err != nil {
		if os.IsNotExist(err) {
			return Offsets{}, nil
		}
		return nil, err
	}
	if offsets == nil {
		offsets = Offsets{}
	}
	return offsets, nil
}

// SetOffset persists a calibration offset for address.
func (s *Service) SetOffset(address string, offsetC float64) error {
	offsets, err := s.read()
	if err != nil {
		return err
	}
	offsets[address] = offsetC
	return fsutil.WriteJSONAtomic(s.path, offsets)
}
