package device

import (
	"errors"
	"math"

	"github.com/distatus/battery"
)

// NoBattery is reported when the host has no readable battery.
const NoBattery = -1

// BatteryReader reports the current charge as a whole percentage.
type BatteryReader interface {
	Percentage() int
}

// SystemBattery reads charge from the platform power-supply interface.
type SystemBattery struct{}

// Percentage returns the mean charge across all batteries, or NoBattery.
// Batteries that report partial errors are still used when their charge
// fields are present.
func (SystemBattery) Percentage() int {
	batteries, err := battery.GetAll()
	if err != nil {
		var partial battery.Errors
		if !errors.As(err, &partial) {
			return NoBattery
		}
	}
	return meanCharge(batteries)
}

func meanCharge(batteries []*battery.Battery) int {
	var sum float64
	var n int
	for _, b := range batteries {
		if b == nil || b.Full <= 0 {
			continue
		}
		sum += b.Current / b.Full
		n++
	}
	if n == 0 {
		return NoBattery
	}
	pct := int(math.Round(sum / float64(n) * 100))
	return min(max(pct, 0), 100)
}

// FixedBattery always reports the same charge.
type FixedBattery int

func (f FixedBattery) Percentage() int { return int(f) }
