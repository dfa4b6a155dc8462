// internal/config/config.go
package config

type Config struct {
	Log       LogConfig        `yaml:"log"`
	Link      LinkConfig       `yaml:"link"`
	Master    MasterConfig     `yaml:"master"`
	Scan      ScanConfig       `yaml:"scan"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Protocols []ProtocolConfig `yaml:"protocols"`
	Devices   []DeviceConfig   `yaml:"devices"`
	Gateway   *GatewayConfig   `yaml:"gateway"`
	Mirror    *MirrorConfig    `yaml:"mirror"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---- LINK ----

type LinkConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"` // N, E or O
	StopBits int    `yaml:"stop_bits"`
	RS485    bool   `yaml:"rs485"`

	Framing       string `yaml:"framing"`        // rtu, ascii or cpn
	MasterAddress uint8  `yaml:"master_address"` // cpn source byte

	// SilenceUs overrides the inter-frame silence; 0 derives it from baud.
	SilenceUs int `yaml:"silence_us"`
}

// ---- MASTER ----

type MasterConfig struct {
	MinAddress        uint8 `yaml:"min_address"`
	MaxAddress        uint8 `yaml:"max_address"`
	ResponseTimeoutMs int   `yaml:"response_timeout_ms"`
	BroadcastDelayMs  int   `yaml:"broadcast_delay_ms"`
	LockTimeoutMs     int   `yaml:"lock_timeout_ms"`
	OfflineWindowMs   int   `yaml:"offline_window_ms"`
}

// ---- SCAN ----

type ScanConfig struct {
	IntervalMs int          `yaml:"interval_ms"`
	Registers  LimitsConfig `yaml:"registers"`
	Bits       LimitsConfig `yaml:"bits"`
}

type LimitsConfig struct {
	MaxInterval uint16 `yaml:"max_interval"`
	MaxCount    uint16 `yaml:"max_count"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// ---- PROTOCOLS ----

type ProtocolConfig struct {
	ID       uint16           `yaml:"id"`
	Name     string           `yaml:"name"`
	Test     TestConfig       `yaml:"test"`
	Holding  []RegisterConfig `yaml:"holding"`
	Input    []RegisterConfig `yaml:"input"`
	Coils    []BitConfig      `yaml:"coils"`
	Discrete []BitConfig      `yaml:"discrete"`
}

type TestConfig struct {
	Mode    string `yaml:"mode"` // read_holding, read_input or write_holding
	Address uint16 `yaml:"address"`
	Value   uint16 `yaml:"value"`
	Match   bool   `yaml:"match"`
}

type RegisterConfig struct {
	Address uint16  `yaml:"address"`
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	Min     int32   `yaml:"min"`
	Max     int32   `yaml:"max"`
	Access  string  `yaml:"access"`
	Scale   float32 `yaml:"scale"`
}

type BitConfig struct {
	Address uint16 `yaml:"address"`
	Name    string `yaml:"name"`
	Access  string `yaml:"access"`
}

// ---- DEVICES ----

type DeviceConfig struct {
	Name      string              `yaml:"name"`
	Address   uint8               `yaml:"address"`
	Protocol  uint16              `yaml:"protocol"`
	DataReady *bool               `yaml:"data_ready"`
	Mirror    *DeviceMirrorConfig `yaml:"mirror"`
}

type DeviceMirrorConfig struct {
	UnitID     uint8          `yaml:"unit_id"`
	Offsets    map[int]uint16 `yaml:"offsets"` // per-FC delta; missing FC => 0
	StatusSlot *uint16        `yaml:"status_slot"`
}

// ---- GATEWAY ----

type GatewayConfig struct {
	ModemAddress  uint8  `yaml:"modem_address"`
	RelayAddress  uint8  `yaml:"relay_address"`
	ModemProtocol uint16 `yaml:"modem_protocol"`
	RelayProtocol uint16 `yaml:"relay_protocol"`

	Version      uint16 `yaml:"version"`
	InitRegister uint16 `yaml:"init_register"`
	InitValue    uint16 `yaml:"init_value"`
	InitedValue  uint16 `yaml:"inited_value"`
	TestRegister uint16 `yaml:"test_register"`

	Attempts      int `yaml:"attempts"`
	RetryDelayMs  int `yaml:"retry_delay_ms"`
	InitTimeoutMs int `yaml:"init_timeout_ms"`
}

// ---- MIRROR ----

type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Queue     int    `yaml:"queue"`
}
