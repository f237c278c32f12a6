// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameHeaderLength is the 4-byte big-endian payload length.
const frameHeaderLength = 4

// maxPayloadLength bounds one frame. A state dictionary for a large
// network is a few hundred KB; 16 MB leaves room for log backlogs.
const maxPayloadLength = 16 * 1024 * 1024

// WriteFrame writes [length][payload] to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(payload), maxPayloadLength)
	}
	// One Write call per frame: concurrent writers are serialized by
	// Conn, but a single write also keeps net.Pipe peers in lockstep.
	frame := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame[:frameHeaderLength], uint32(len(payload)))
	copy(frame[frameHeaderLength:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one [length][payload] frame from r. A clean EOF
// before any header byte is returned as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxPayloadLength {
		return nil, fmt.Errorf("payload length %d exceeds maximum %d", length, maxPayloadLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeMessage serializes and optionally compresses m into a frame
// payload.
func EncodeMessage(m Message, compression Compression) ([]byte, error) {
	if m.Key() == "" {
		return nil, errors.New("message has no key")
	}
	body, err := Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return compressBody(body, compression)
}

// DecodeMessage reverses EncodeMessage.
func DecodeMessage(payload []byte) (Message, error) {
	body, err := decompressPayload(payload)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m.Key() == "" {
		return nil, errors.New("message has no key")
	}
	return m, nil
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m Message, compression Compression) error {
	payload, err := EncodeMessage(m, compression)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}
