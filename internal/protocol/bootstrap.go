package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxAddrLen bounds worker addresses read during bootstrap.
const maxAddrLen = 1 << 16

// JobInfo is what a host tells its DPU during bootstrap.
type JobInfo struct {
	HostAddr   []byte
	BufferSize uint64
	NumBuffers uint64
	WorldRank  uint32
	WorldSize  uint32
}

// ServeBootstrap runs the DPU side of the handshake: send the DPU worker
// address, then read the host worker address, pipeline geometry and world
// placement. All integers are little-endian.
func ServeBootstrap(rw io.ReadWriter, dpuAddr []byte) (*JobInfo, error) {
	if err := writeBlob(rw, dpuAddr); err != nil {
		return nil, fmt.Errorf("send worker address: %w", err)
	}

	hostAddr, err := readBlob(rw)
	if err != nil {
		return nil, fmt.Errorf("recv worker address: %w", err)
	}
	info := &JobInfo{HostAddr: hostAddr}

	fields := []struct {
		name string
		ptr  any
	}{
		{"pipeline buffer size", &info.BufferSize},
		{"pipeline num buffers", &info.NumBuffers},
		{"world rank", &info.WorldRank},
		{"world size", &info.WorldSize},
	}
	for _, f := range fields {
		if err := binary.Read(rw, binary.LittleEndian, f.ptr); err != nil {
			return nil, fmt.Errorf("recv %s: %w", f.name, err)
		}
	}

	if info.BufferSize == 0 || info.NumBuffers == 0 {
		return nil, fmt.Errorf("invalid pipeline geometry %d x %d", info.NumBuffers, info.BufferSize)
	}
	if info.WorldRank >= info.WorldSize {
		return nil, fmt.Errorf("world rank %d outside world of size %d", info.WorldRank, info.WorldSize)
	}
	return info, nil
}

// DialBootstrap runs the host side of the handshake and returns the DPU
// worker address.
func DialBootstrap(rw io.ReadWriter, info JobInfo) ([]byte, error) {
	dpuAddr, err := readBlob(rw)
	if err != nil {
		return nil, fmt.Errorf("recv worker address: %w", err)
	}
	if err := writeBlob(rw, info.HostAddr); err != nil {
		return nil, fmt.Errorf("send worker address: %w", err)
	}
	for _, v := range []any{info.BufferSize, info.NumBuffers, info.WorldRank, info.WorldSize} {
		if err := binary.Write(rw, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("send job info: %w", err)
		}
	}
	return dpuAddr, nil
}

func writeBlob(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 || n > maxAddrLen {
		return nil, fmt.Errorf("invalid address length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
