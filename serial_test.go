package gateway

import (
	"testing"
	"time"

	"github.com/goburrow/serial"
)

func Test_settleDelay(t *testing.T) {
	tests := []struct {
		name            string
		baudRate        int
		interFrameDelay time.Duration
		want            time.Duration
	}{
		{"configured delay wins", 9600, 50 * time.Millisecond, 50 * time.Millisecond},
		{"9600 default 3.5 chars", 9600, 0, 3645 * time.Microsecond},
		{"19200 default 3.5 chars", 19200, 0, 1822 * time.Microsecond},
		{"high baud floor", 115200, 0, 1750 * time.Microsecond},
		{"unset baud floor", 0, 0, 1750 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := newSerialPort(serial.Config{BaudRate: tt.baudRate}, tt.interFrameDelay, newClogWithPrefix("test =>"))
			if got := sp.settleDelay(); got != tt.want {
				t.Errorf("settleDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_newSerialPortDefaults(t *testing.T) {
	sp := newSerialPort(serial.Config{Address: "/dev/ttyUSB0"}, 0, newClogWithPrefix("test =>"))
	if sp.Timeout != SerialDefaultTimeout {
		t.Errorf("Timeout = %v, want %v", sp.Timeout, SerialDefaultTimeout)
	}
}
