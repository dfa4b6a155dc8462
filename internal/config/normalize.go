// internal/config/normalize.go
package config

import (
	"sort"
	"strings"

	"github.com/caosq/GreeIntense/internal/link"
	"github.com/caosq/GreeIntense/internal/status"
)

// Normalize applies post-validation normalization.
// It mutates cfg and must only be called after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Link.Parity = strings.ToUpper(cfg.Link.Parity)
	if cfg.Link.SilenceUs == 0 {
		cfg.Link.SilenceUs = int(link.SilenceFor(cfg.Link.Baud, cfg.Link.Framing).Microseconds())
	}

	// Dictionaries require strictly increasing addresses.
	for i := range cfg.Protocols {
		p := &cfg.Protocols[i]
		sortRegisters(p.Holding)
		sortRegisters(p.Input)
		sortBits(p.Coils)
		sortBits(p.Discrete)
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		d.Name = strings.TrimSpace(d.Name)
		if len(d.Name) > status.NameMaxChars {
			d.Name = d.Name[:status.NameMaxChars]
		}
	}
}

func sortRegisters(rs []RegisterConfig) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Address < rs[j].Address })
}

func sortBits(bs []BitConfig) {
	sort.SliceStable(bs, func(i, j int) bool { return bs[i].Address < bs[j].Address })
}
