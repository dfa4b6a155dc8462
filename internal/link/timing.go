// internal/link/timing.go
package link

import "time"

// SilenceFor returns the inter-frame silence window.
//
// RTU-style framings use 3.5 character times of 11 bits, counted in
// 50µs ticks. Above 19200 baud the window is fixed at 1750µs.
// ASCII frames are delimited, so a full second of silence is allowed.
func SilenceFor(baud int, framing string) time.Duration {
	if framing == "ascii" {
		return time.Second
	}
	if baud <= 0 || baud > 19200 {
		return 1750 * time.Microsecond
	}
	ticks := (7 * 220000) / (2 * baud)
	return time.Duration(ticks) * 50 * time.Microsecond
}
