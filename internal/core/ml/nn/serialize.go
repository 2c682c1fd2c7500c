package nn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var magic = [4]byte{'N', 'W', 'N', 'N'}

const formatVersion uint16 = 1

// 避免損毀資料造成超大配置
const maxLayerWidth = 1 << 20

// MarshalBinary 以 little-endian float64 寫出結構、權重與 BN 滑動統計，
// 讀回後推論結果逐位元相同。
func (n *Network) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := &errWriter{w: &buf}

	w.write(magic)
	w.write(formatVersion)
	w.write(uint32(n.arch.InputSize))
	w.write(uint32(n.arch.OutputSize))
	w.write(uint32(len(n.arch.Hidden)))
	for _, h := range n.arch.Hidden {
		w.write(uint32(h))
	}
	w.write(n.arch.Dropout)

	for _, b := range n.blocks {
		w.write(b.dense.W.w)
		w.write(b.dense.B.w)
		w.write(b.norm.gamma.w)
		w.write(b.norm.beta.w)
		w.write(b.norm.runMean)
		w.write(b.norm.runVar)
	}
	w.write(n.output.W.w)
	w.write(n.output.B.w)

	if w.err != nil {
		return nil, fmt.Errorf("marshal network: %w", w.err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary 由 MarshalBinary 的輸出重建網路
func UnmarshalBinary(data []byte) (*Network, error) {
	r := &errReader{r: bytes.NewReader(data)}

	var m [4]byte
	var version uint16
	r.read(&m)
	r.read(&version)
	if r.err != nil {
		return nil, fmt.Errorf("unmarshal network header: %w", r.err)
	}
	if m != magic {
		return nil, errors.New("unmarshal network: bad magic")
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unmarshal network: unsupported format version %d", version)
	}

	var in, out, layers uint32
	r.read(&in)
	r.read(&out)
	r.read(&layers)
	if r.err != nil {
		return nil, fmt.Errorf("unmarshal network header: %w", r.err)
	}
	if in > maxLayerWidth || out > maxLayerWidth || layers > 64 {
		return nil, fmt.Errorf("unmarshal network: implausible sizes %d/%d/%d", in, out, layers)
	}

	arch := Architecture{InputSize: int(in), OutputSize: int(out), Hidden: make([]int, layers)}
	for i := range arch.Hidden {
		var h uint32
		r.read(&h)
		if h > maxLayerWidth {
			return nil, fmt.Errorf("unmarshal network: implausible layer width %d", h)
		}
		arch.Hidden[i] = int(h)
	}
	r.read(&arch.Dropout)
	if r.err != nil {
		return nil, fmt.Errorf("unmarshal network header: %w", r.err)
	}
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("unmarshal network: %w", err)
	}

	net := newEmpty(arch)
	for _, b := range net.blocks {
		r.read(b.dense.W.w)
		r.read(b.dense.B.w)
		r.read(b.norm.gamma.w)
		r.read(b.norm.beta.w)
		r.read(b.norm.runMean)
		r.read(b.norm.runVar)
	}
	r.read(net.output.W.w)
	r.read(net.output.B.w)
	if r.err != nil {
		return nil, fmt.Errorf("unmarshal network weights: %w", r.err)
	}
	if r.r.Len() != 0 {
		return nil, fmt.Errorf("unmarshal network: %d trailing bytes", r.r.Len())
	}
	return net, nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) write(v interface{}) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

type errReader struct {
	r   *bytes.Reader
	err error
}

func (e *errReader) read(v interface{}) {
	if e.err != nil {
		return
	}
	e.err = binary.Read(e.r, binary.LittleEndian, v)
}
