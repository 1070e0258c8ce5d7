package transport

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"bootbus/internal/logging"
	"bootbus/internal/metrics"
	"bootbus/internal/proto"
)

// Tuning constants for the background reader loop. The poll/backoff shape
// mirrors cmd/can-server/backend_serial.go's RX goroutine: a short
// per-iteration sleep when idle, doubling backoff on transient I/O errors,
// capped, and an immediate return on anything that looks like the device
// going away.
const (
	pollInterval   = time.Millisecond
	rxBackoffMin   = 10 * time.Millisecond
	rxBackoffMax   = 200 * time.Millisecond
	readChunkSize  = 512
	defaultQueue   = 64
)

// Bus owns a serial Port, a write mutex shared with the background reader,
// and the receive queue the reader feeds. It is the only place in this
// repository that touches the wire directly; discovery and the flasher
// both drive a Bus.
type Bus struct {
	mu          sync.Mutex
	port        Port
	queue       chan proto.ReceiveRecord
	stopCh      chan struct{}
	wg          sync.WaitGroup
	dec         proto.Decoder
	log         *slog.Logger
	subsMu      sync.RWMutex
	subscribers []func(proto.ReceiveRecord)
}

// Subscribe registers fn to be called, best-effort and inline on the
// reader goroutine, for every decoded frame in addition to it being
// queued for Recv. Intended for the monitor feed; fn must not block or
// call back into the Bus.
func (b *Bus) Subscribe(fn func(proto.ReceiveRecord)) {
	b.subsMu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.subsMu.Unlock()
}

func (b *Bus) notify(rec proto.ReceiveRecord) {
	b.subsMu.RLock()
	subs := b.subscribers
	b.subsMu.RUnlock()
	for _, fn := range subs {
		fn(rec)
	}
}

// Open opens the named serial port and starts the bus's background reader.
func Open(name string, baud int, logger *slog.Logger) (*Bus, error) {
	p, err := OpenPort(name, baud)
	if err != nil {
		return nil, err
	}
	return NewBus(p, defaultQueue, logger), nil
}

// NewBus wraps an already-open Port. Exposed separately from Open so tests
// can inject a fake Port.
func NewBus(port Port, queueSize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.L()
	}
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	b := &Bus{
		port:   port,
		queue:  make(chan proto.ReceiveRecord, queueSize),
		stopCh: make(chan struct{}),
		log:    logger,
	}
	b.wg.Add(1)
	go b.readLoop()
	return b
}

// Send encodes and transmits a single request frame. It acquires the write
// mutex, drains any unconsumed responses left over from a prior exchange
// (the protocol is strictly request/response per host-initiated call),
// writes the frame, and releases the mutex.
func (b *Bus) Send(addr proto.Address, cmd byte, payload []byte) error {
	frame, err := proto.Encode(addr, cmd, payload)
	if err != nil {
		return err
	}
	return b.sendRaw(frame)
}

// WriteRaw writes bytes directly to the bus, bypassing the frame codec
// entirely. It exists for EnterBootloader, which must emit a sustained
// stream of the raw preamble byte rather than a framed request.
func (b *Bus) WriteRaw(data []byte) error {
	return b.sendRaw(data)
}

func (b *Bus) sendRaw(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainQueueLocked()
	if _, err := b.port.Write(data); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return err
	}
	metrics.IncSerialTx()
	return nil
}

func (b *Bus) drainQueueLocked() {
	for {
		select {
		case <-b.queue:
		default:
			return
		}
	}
}

// Recv blocks up to timeout for the next decoded response, returning
// (nil, false) on timeout. A non-positive timeout polls without blocking.
func (b *Bus) Recv(timeout time.Duration) (*proto.ReceiveRecord, bool) {
	if timeout <= 0 {
		select {
		case rec := <-b.queue:
			return &rec, true
		default:
			return nil, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case rec := <-b.queue:
		return &rec, true
	case <-t.C:
		return nil, false
	}
}

// Close signals the reader to stop, joins it, then closes the port.
func (b *Bus) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	return b.port.Close()
}

func (b *Bus) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, readChunkSize)
	backoff := rxBackoffMin
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.mu.Lock()
		n, err := b.port.Read(buf)
		b.mu.Unlock()

		if n > 0 {
			b.dec.Feed(buf[:n], func(rec proto.ReceiveRecord) {
				select {
				case b.queue <- rec:
				default:
					metrics.IncQueueDrop()
				}
				b.notify(rec)
			})
			backoff = rxBackoffMin
		}

		if err != nil {
			if isFatalReadError(err) {
				b.log.Warn("serial_read_fatal", "error", err)
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				metrics.IncError(metrics.ErrSerialRead)
				b.log.Warn("serial_read_error", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
				continue
			}
		}

		select {
		case <-b.stopCh:
			return
		case <-time.After(pollInterval):
		}
	}
}

// isFatalReadError reports whether err indicates the device itself is gone
// (e.g. a USB disconnect), as opposed to a transient timeout the reader
// should shrug off.
func isFatalReadError(err error) bool {
	var perr *os.PathError
	return errors.As(err, &perr)
}
