package dap

import (
	"errors"
	"testing"

	"github.com/ardnew/softdap/pkg"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"packet size too small", func(c *Config) { c.PacketSize = 3 }, true},
		{"packet size too large", func(c *Config) { c.PacketSize = 0x10000 }, true},
		{"high speed", func(c *Config) { c.PacketSize = PacketSizeHighSpeed }, false},
		{"count not power of two", func(c *Config) { c.PacketCount = 6 }, true},
		{"count zero", func(c *Config) { c.PacketCount = 0 }, true},
		{"count max", func(c *Config) { c.PacketCount = MaxPacketCount }, false},
		{"count above max", func(c *Config) { c.PacketCount = 256 }, true},
		{"count one", func(c *Config) { c.PacketCount = 1 }, false},
		{"negative swo buffer", func(c *Config) { c.SWOBufferSize = -1 }, true},
		{"no swo buffer", func(c *Config) { c.SWOBufferSize = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Validate() error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{PacketSize: 64, PacketCount: 4}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.SWOChunkSize != PacketSizeHighSpeed {
		t.Errorf("SWOChunkSize = %d, want %d", cfg.SWOChunkSize, PacketSizeHighSpeed)
	}
	if cfg.OnTransferAbort == nil || cfg.OnSWOWriteComplete == nil {
		t.Error("handlers not defaulted")
	}
	cfg.OnTransferAbort(0)
	cfg.OnSWOWriteComplete(0)
}

func TestTransportSet(t *testing.T) {
	tests := []struct {
		set    TransportSet
		mode   TransportMode
		expect bool
	}{
		{0, TransportNone, true},
		{0, TransportPoll, false},
		{SupportPoll, TransportPoll, true},
		{SupportPoll, TransportStream, false},
		{SupportPoll | SupportStream, TransportStream, true},
	}
	for _, tt := range tests {
		if got := tt.set.Has(tt.mode); got != tt.expect {
			t.Errorf("TransportSet(%02b).Has(%s) = %v, want %v", tt.set, tt.mode, got, tt.expect)
		}
	}
}

func TestTransportModeString(t *testing.T) {
	tests := []struct {
		mode   TransportMode
		expect string
	}{
		{TransportNone, "none"},
		{TransportPoll, "poll"},
		{TransportStream, "stream"},
		{TransportMode(9), "TransportMode(9)"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.expect {
			t.Errorf("String() = %q, want %q", got, tt.expect)
		}
	}
}
