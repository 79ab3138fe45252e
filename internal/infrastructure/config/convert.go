package config

import (
	"fmt"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/plm"
)

// EngineConfig returns the send engine settings.
func (c *Config) EngineConfig() plm.Config {
	p := c.Protocol
	return plm.Config{
		MaxAttempts:  p.MaxAttempts,
		AckTimeout:   p.AckTimeout,
		HopTimeout:   p.HopTimeout,
		RetryBackoff: p.RetryBackoff,
		AwakeWindow:  p.AwakeWindow,
		DedupWindow:  p.DedupWindow,
		WriteTimeout: p.WriteTimeout,
	}
}

// LinkConfig returns the modem transport settings.
func (c *Config) LinkConfig() plm.LinkConfig {
	m := c.Modem
	return plm.LinkConfig{
		Type:               m.Type,
		Device:             m.Device,
		BaudRate:           m.Baud,
		Address:            m.Address,
		URL:                m.URL,
		Username:           m.Username,
		Password:           m.Password,
		InsecureSkipVerify: m.InsecureSkipVerify,
		ConnectTimeout:     m.ConnectTimeout,
		ReconnectInterval:  m.ReconnectInterval,
	}
}

// ModemAddress returns the configured modem address, if any.
func (c *Config) ModemAddress() (insteon.Address, bool) {
	if c.Modem.ModemAddress == "" {
		return insteon.Address{}, false
	}
	addr, err := insteon.ParseAddress(c.Modem.ModemAddress)
	if err != nil {
		return insteon.Address{}, false
	}
	return addr, true
}

// DeviceInfos converts the device list into registry entries.
func (c *Config) DeviceInfos() ([]device.Info, error) {
	infos := make([]device.Info, 0, len(c.Devices))
	for i, d := range c.Devices {
		addr, err := insteon.ParseAddress(d.Address)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		engine, err := insteon.ParseEngine(d.Engine)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		infos = append(infos, device.Info{
			Address: addr,
			Name:    d.Name,
			Engine:  engine,
			Sleepy:  d.Sleepy,
			MinHops: d.MinHops,
		})
	}
	return infos, nil
}
