// Package gpio reads a piece sensor wired to a GPIO pin, with hardware
// abstraction. The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the state of a piece sensor.
type Reader interface {
	// Read returns true while a piece is in front of the sensor.
	// The raw GPIO value is inverted: raw inactive = piece present.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the GPIO chip of a Raspberry Pi header.
const DefaultChip = "gpiochip0"
