// internal/status/constants.go
package status

// Status block layout. Upstream readers depend on these positions.

const SlotsPerDevice = 20

const (
	SlotHealth         = 0
	SlotLastErrorCode  = 1
	SlotSecondsInError = 2
	SlotOnline         = 3
	SlotSynchronized   = 4
	SlotBusAddress     = 5
	SlotProtocol       = 6
)

// Slots 7..10 are reserved and always written as zero.
const (
	SlotReservedStart = 7
	SlotReservedEnd   = 10
)

// The device name sits at the end of the block, two ASCII characters
// per register, high byte first.
const (
	SlotNameStart = 11
	SlotNameSlots = 8
	SlotNameEnd   = SlotNameStart + SlotNameSlots - 1

	NameMaxChars = 2 * SlotNameSlots
)

// Health codes.
const (
	HealthUnknown  uint16 = 0
	HealthOK       uint16 = 1
	HealthError    uint16 = 2
	HealthStale    uint16 = 3 // offline; mirrored values are last known
	HealthDisabled uint16 = 4
)

// CodeGeneric is reported for errors that carry no code of their own.
const CodeGeneric uint16 = 1

const maxSeconds = 65535
