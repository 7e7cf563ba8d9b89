package dapclient

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ardnew/softdap/pkg"
)

// ParseCommand decodes a command written as hex bytes. Bytes may be
// separated by spaces, colons or commas and may carry a 0x prefix, so
// "00 FE", "0x00,0xFE" and "00fe" are the same command.
func ParseCommand(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ':' || r == ',' || r == '\t'
	})
	var b strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 != 0 {
			f = "0" + f
		}
		b.WriteString(f)
	}
	cmd, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", s, pkg.ErrInvalidParameter)
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command: %w", pkg.ErrInvalidParameter)
	}
	return cmd, nil
}

// FormatPacket renders a packet as space-separated hex bytes.
func FormatPacket(p []byte) string {
	return fmt.Sprintf("% X", p)
}
