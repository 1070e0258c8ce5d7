package transport

import (
	"errors"
	"time"

	"go.bug.st/serial"
)

// Port abstracts go.bug.st/serial for testability, mirroring the seam
// internal/serial.Port gives the teacher's TX writer/RX loop.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ErrSerialOpenFailed wraps any error from opening the underlying port.
var ErrSerialOpenFailed = errors.New("serial open failed")

// readTimeout bounds each physical Read call so the reader goroutine stays
// responsive to its stop signal; it is not the same thing as a response
// timeout, which Bus.Recv applies on top of the receive queue.
const readTimeout = 10 * time.Millisecond

// OpenPort opens name at baud with 8-N-2 framing and DTR/RTS held low for
// the duration of the open call, per the bus's requirement that a spurious
// reset of the far-end nodes must not occur while the host attaches.
// go.bug.st/serial is the one library in the retrieval pack that exposes
// per-line modem control (InitialStatusBits, SetDTR, SetRTS) rather than
// just baud/parity — tarm/serial, the teacher's original dependency, has no
// such hook.
func OpenPort(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: false,
			RTS: false,
		},
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Join(ErrSerialOpenFailed, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, errors.Join(ErrSerialOpenFailed, err)
	}
	return p, nil
}
