// internal/connector/connector.go
package connector

import (
	"context"

	"board-bridge/internal/model"
)

// MaxBLEChunkSize is the largest payload a single GATT characteristic write may carry
const MaxBLEChunkSize = 16

// SendOptions controls how a payload is written to the link
type SendOptions struct {
	// WithoutResponse skips waiting for the transport to confirm the write
	WithoutResponse bool
	// ChunkSize splits the payload into writes of at most this many bytes; 0 writes it whole
	ChunkSize int
}

// Connector represents one physical link to a board
type Connector interface {
	// Connection lifecycle
	Open(ctx context.Context, baudRate int) error
	Close() error
	IsOpen() bool

	// Data communication
	Send(ctx context.Context, data []byte, opts SendOptions) ([]byte, error)
	SetDataHandler(handler func(data []byte))
	SetDTR(ctx context.Context, value bool) error

	// OnClose registers a handler for the close event and returns its unsubscribe func
	OnClose(handler func(reason string)) (unsubscribe func())

	Type() model.ConnectionType
}

// BaudRateSetter is implemented by links that can change rate without reopening
type BaudRateSetter interface {
	SetBaudRate(ctx context.Context, rate int) error
}

// Chunk splits data into consecutive slices of at most size bytes.
// A non-positive size returns data as a single chunk.
func Chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Factory builds an unopened Connector for a target board
type Factory func(target model.Target) (Connector, error)
