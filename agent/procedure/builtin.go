package procedure

import (
	_ "embed"
)

//go:embed booking.yaml
var bookingRaw []byte

// Builtin returns the procedures shipped with the binary. External
// definitions loaded with LoadDir take precedence when ids collide.
func Builtin() ([]*Procedure, error) {
	booking, err := Parse(bookingRaw)
	if err != nil {
		return nil, err
	}
	return []*Procedure{booking}, nil
}
