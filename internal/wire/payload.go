// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// payloadWriter accumulates a payload using the same primitives on both
// sides of the wire so manager and worker never disagree on layout.
type payloadWriter struct {
	buf bytes.Buffer
}

func (w *payloadWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *payloadWriter) string(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *payloadWriter) stringSlice(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.string(s)
	}
}

func (w *payloadWriter) float64Slice(vs []float64) {
	w.u32(uint32(len(vs)))
	var b [8]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		w.buf.Write(b[:])
	}
}

func (w *payloadWriter) bytes() []byte { return w.buf.Bytes() }

type payloadReader struct {
	buf []byte
	pos int
}

func (r *payloadReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *payloadReader) string() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", ErrTruncated
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *payloadReader) stringSlice() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := r.string()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (r *payloadReader) float64Slice() ([]float64, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		if r.pos+8 > len(r.buf) {
			return nil, ErrTruncated
		}
		bits := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
		out[i] = math.Float64frombits(bits)
		r.pos += 8
	}
	return out, nil
}

// EncodeFloat64Slice serializes a parameter or observation vector. Both
// sides must agree on length and order, positionally against the name
// lists carried in the CMD payload (spec §4.1).
func EncodeFloat64Slice(vs []float64) []byte {
	var w payloadWriter
	w.float64Slice(vs)
	return w.bytes()
}

// DecodeFloat64Slice is the inverse of EncodeFloat64Slice.
func DecodeFloat64Slice(b []byte) ([]float64, error) {
	r := payloadReader{buf: b}
	return r.float64Slice()
}

// CmdPayload is the serialized tuple sent in a CMD message: everything a
// worker needs to know to execute a model run.
type CmdPayload struct {
	CommandLine       string
	TemplateFiles     []string
	InputFiles        []string
	InstructionFiles  []string
	OutputFiles       []string
	ParameterNames    []string
	ObservationNames  []string
}

// Encode serializes the CmdPayload for wire transmission.
func (c CmdPayload) Encode() []byte {
	var w payloadWriter
	w.string(c.CommandLine)
	w.stringSlice(c.TemplateFiles)
	w.stringSlice(c.InputFiles)
	w.stringSlice(c.InstructionFiles)
	w.stringSlice(c.OutputFiles)
	w.stringSlice(c.ParameterNames)
	w.stringSlice(c.ObservationNames)
	return w.bytes()
}

// DecodeCmdPayload is the inverse of CmdPayload.Encode.
func DecodeCmdPayload(b []byte) (CmdPayload, error) {
	r := payloadReader{buf: b}
	var c CmdPayload
	var err error
	if c.CommandLine, err = r.string(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.CommandLine: %w", err)
	}
	if c.TemplateFiles, err = r.stringSlice(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.TemplateFiles: %w", err)
	}
	if c.InputFiles, err = r.stringSlice(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.InputFiles: %w", err)
	}
	if c.InstructionFiles, err = r.stringSlice(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.InstructionFiles: %w", err)
	}
	if c.OutputFiles, err = r.stringSlice(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.OutputFiles: %w", err)
	}
	if c.ParameterNames, err = r.stringSlice(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.ParameterNames: %w", err)
	}
	if c.ObservationNames, err = r.stringSlice(); err != nil {
		return c, fmt.Errorf("wire: decode CmdPayload.ObservationNames: %w", err)
	}
	return c, nil
}

// RunResultPayload is the serialized (parameters, observations) tuple sent
// back in a RUN_FINISHED message.
type RunResultPayload struct {
	Parameters   []float64
	Observations []float64
}

// Encode serializes the RunResultPayload for wire transmission.
func (p RunResultPayload) Encode() []byte {
	var w payloadWriter
	w.float64Slice(p.Parameters)
	w.float64Slice(p.Observations)
	return w.bytes()
}

// DecodeRunResultPayload is the inverse of RunResultPayload.Encode.
func DecodeRunResultPayload(b []byte) (RunResultPayload, error) {
	r := payloadReader{buf: b}
	var p RunResultPayload
	var err error
	if p.Parameters, err = r.float64Slice(); err != nil {
		return p, fmt.Errorf("wire: decode RunResultPayload.Parameters: %w", err)
	}
	if p.Observations, err = r.float64Slice(); err != nil {
		return p, fmt.Errorf("wire: decode RunResultPayload.Observations: %w", err)
	}
	return p, nil
}
