package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 大模型流式识别（sauc）二进制帧格式：4 字节头 + 可选序号 + 负载长度 + 负载。

const protocolVersion = 0b0001

// MessageType 帧类型
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ErrorMessage       MessageType = 0b1111
)

// MessageFlags 序号标志
type MessageFlags uint8

const (
	NoSequence       MessageFlags = 0b0000
	PositiveSequence MessageFlags = 0b0001
	LastNoSequence   MessageFlags = 0b0010
	NegativeSequence MessageFlags = 0b0011
)

// Serialization 负载序列化方式
type Serialization uint8

const (
	RawSerialization  Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression 负载压缩方式
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Frame is one decoded protocol message.
type Frame struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	ErrorCode     uint32
	Payload       []byte
}

func (f *Frame) hasSequence() bool {
	return f.Flags == PositiveSequence || f.Flags == NegativeSequence
}

// Last reports whether the server marked this as the final frame.
func (f *Frame) Last() bool {
	return f.Flags == LastNoSequence || f.Flags == NegativeSequence
}

// Encode 编码帧，负载需已按 Compression 处理
func (f *Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(f.Payload)))
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.Type)<<4 | uint8(f.Flags))
	buf.WriteByte(uint8(f.Serialization)<<4 | uint8(f.Compression))
	buf.WriteByte(0)

	var word [4]byte
	if f.hasSequence() {
		binary.BigEndian.PutUint32(word[:], uint32(f.Sequence))
		buf.Write(word[:])
	}
	if f.Type == ErrorMessage {
		binary.BigEndian.PutUint32(word[:], f.ErrorCode)
		buf.Write(word[:])
	}
	binary.BigEndian.PutUint32(word[:], uint32(len(f.Payload)))
	buf.Write(word[:])
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame 解码一条完整的服务端消息
func DecodeFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if version := head[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	f := &Frame{
		Type:          MessageType(head[1] >> 4),
		Flags:         MessageFlags(head[1] & 0x0F),
		Serialization: Serialization(head[2] >> 4),
		Compression:   Compression(head[2] & 0x0F),
	}

	readWord := func(name string) (uint32, error) {
		var word [4]byte
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return 0, fmt.Errorf("read %s: %w", name, err)
		}
		return binary.BigEndian.Uint32(word[:]), nil
	}

	if f.hasSequence() {
		seq, err := readWord("sequence")
		if err != nil {
			return nil, err
		}
		f.Sequence = int32(seq)
	}
	if f.Type == ErrorMessage {
		code, err := readWord("error code")
		if err != nil {
			return nil, err
		}
		f.ErrorCode = code
	}
	size, err := readWord("payload size")
	if err != nil {
		return nil, err
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("read payload (expected %d bytes): %w", size, err)
		}
	}
	return f, nil
}

// Body returns the payload with compression removed.
func (f *Frame) Body() ([]byte, error) {
	if f.Compression != GzipCompression {
		return f.Payload, nil
	}
	return gunzip(f.Payload)
}

func newConfigFrame(payload []byte) (*Frame, error) {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:          FullClientRequest,
		Flags:         NoSequence,
		Serialization: JSONSerialization,
		Compression:   GzipCompression,
		Payload:       compressed,
	}, nil
}

func newAudioFrame(chunk []byte, sequence int32, last bool) (*Frame, error) {
	compressed, err := gzipBytes(chunk)
	if err != nil {
		return nil, err
	}
	f := &Frame{
		Type:          AudioOnlyRequest,
		Flags:         PositiveSequence,
		Serialization: RawSerialization,
		Compression:   GzipCompression,
		Sequence:      sequence,
		Payload:       compressed,
	}
	if last {
		f.Flags = NegativeSequence
		f.Sequence = -sequence
	}
	return f, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
