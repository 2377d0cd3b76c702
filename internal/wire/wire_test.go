// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := NewFrame(PacketStartRun, 7, 42, "workdir-a", EncodeFloat64Slice([]float64{1, 2, 3}))

	done := make(chan error, 1)
	go func() { done <- WriteFrame(client, want) }()

	got, err := ReadFrame(server)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.GroupID, got.GroupID)
	require.Equal(t, want.RunID, got.RunID)
	require.Equal(t, want.Info, got.Info)
	require.Equal(t, want.Payload, got.Payload)
}

func TestInfoTruncation(t *testing.T) {
	f := NewFrame(PacketPing, 0, 0, "this-info-string-is-way-too-long", nil)
	require.LessOrEqual(t, len(f.Info), InfoSize)
}

func TestFloat64SliceRoundTrip(t *testing.T) {
	in := []float64{1.5, -2.25, 0, 3.14159265}
	out, err := DecodeFloat64Slice(EncodeFloat64Slice(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestCmdPayloadRoundTrip(t *testing.T) {
	in := CmdPayload{
		CommandLine:      "model.exe in.dat out.dat",
		TemplateFiles:    []string{"a.tpl"},
		InputFiles:       []string{"a.in"},
		InstructionFiles: []string{"a.ins"},
		OutputFiles:      []string{"a.out"},
		ParameterNames:   []string{"k1", "k2"},
		ObservationNames: []string{"o1"},
	}
	out, err := DecodeCmdPayload(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestRunResultPayloadRoundTrip(t *testing.T) {
	in := RunResultPayload{Parameters: []float64{1, 2}, Observations: []float64{2, 4}}
	out, err := DecodeRunResultPayload(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeFloat64Slice([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPacketTypeString(t *testing.T) {
	require.Equal(t, "RUN_FINISHED", PacketRunFinished.String())
	require.Equal(t, "UNKNOWN", PacketType(999).String())
}
