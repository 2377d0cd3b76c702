// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// On-disk format (current, version 1): each record is appended as a new
// entry; the freshest entry for a given run id wins on replay. This differs
// from the legacy PEST++ run-store layout (fixed-width name fields,
// 1-based linearized indices, negative-dimension sentinels — see spec §9)
// which is not reproduced here: original_source/ retained only the YAMR,
// SVDSolver, and covariance translation units, not RunStorage/Serialization,
// so the legacy byte layout could not be recovered from the provided
// corpus. The package has no reader for the legacy layout: Open accepts
// only this format. See DESIGN.md.

var fileMagic = [4]byte{'R', 'M', 'S', '1'}

const formatVersion uint32 = 1

func writeFileHeader(f *os.File) error {
	buf := make([]byte, 8)
	copy(buf[:4], fileMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	_, err := f.Write(buf)
	return err
}

func readFileHeader(r io.Reader) error {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(buf[:4]) != string(fileMagic[:]) {
		return fmt.Errorf("bad magic %q", buf[:4])
	}
	return nil
}

func writeRecord(w *bufio.Writer, rec *Record) error {
	var hdr [4 + 4 + 8 + 4]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(rec.RunID))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(rec.Status))
	binary.LittleEndian.PutUint64(hdr[8:16], math.Float64bits(rec.InfoValue))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(rec.Attempts))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if err := writeString(w, rec.InfoText); err != nil {
		return err
	}
	if err := writeFloat64Slice(w, rec.Parameters); err != nil {
		return err
	}
	return writeFloat64Slice(w, rec.Observations)
}

func writeString(w *bufio.Writer, s string) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func writeFloat64Slice(w *bufio.Writer, vs []float64) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(vs)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	var b [8]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func encodeFloat64Slice(vs []float64) []byte {
	buf := make([]byte, 4+8*len(vs))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vs)))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(buf[4+8*i:12+8*i], math.Float64bits(v))
	}
	return buf
}

func readRecord(r io.Reader) (*Record, error) {
	var hdr [4 + 4 + 8 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err // io.EOF at a record boundary signals end of log
	}
	rec := &Record{
		RunID:     int32(binary.LittleEndian.Uint32(hdr[0:4])),
		Status:    Status(binary.LittleEndian.Uint32(hdr[4:8])),
		InfoValue: math.Float64frombits(binary.LittleEndian.Uint64(hdr[8:16])),
		Attempts:  int32(binary.LittleEndian.Uint32(hdr[16:20])),
	}
	var err error
	if rec.InfoText, err = readString(r); err != nil {
		return nil, fmt.Errorf("read info text: %w", err)
	}
	if rec.Parameters, err = readFloat64Slice(r); err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	if rec.Observations, err = readFloat64Slice(r); err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}
	return rec, nil
}

func readString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFloat64Slice(r io.Reader) ([]float64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	out := make([]float64, n)
	var b [8]byte
	for i := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[:]))
	}
	return out, nil
}

// replay reads every record in f's append-only log, keeping only the latest
// entry per run id, and returns the reconstructed index plus the highest
// run id seen (or -1 if the log has no records).
func replay(f *os.File) (map[int32]*Record, int32, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	br := bufio.NewReader(f)
	if err := readFileHeader(br); err != nil {
		return nil, 0, err
	}

	records := make(map[int32]*Record)
	var maxID int32 = -1
	for {
		rec, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		records[rec.RunID] = rec
		if rec.RunID > maxID {
			maxID = rec.RunID
		}
	}
	return records, maxID, nil
}
