package mediabus

import (
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAVCC(t *testing.T) []byte {
	t.Helper()
	avcc := h264.AVCC{
		{0x65, 0x01, 0x02, 0x03}, // fake IDR slice
	}
	out, err := avcc.Marshal()
	require.NoError(t, err)
	return out
}

func TestBitstreamAdapter_IsAnnexB(t *testing.T) {
	a := BitstreamAdapter{}

	t.Run("three byte start code", func(t *testing.T) {
		assert.True(t, a.IsAnnexB([]byte{0x00, 0x00, 0x01, 0x65}))
	})

	t.Run("four byte start code", func(t *testing.T) {
		assert.True(t, a.IsAnnexB([]byte{0x00, 0x00, 0x00, 0x01, 0x65}))
	})

	t.Run("avcc length prefix is not annex-b", func(t *testing.T) {
		assert.False(t, a.IsAnnexB([]byte{0x00, 0x00, 0x00, 0x04, 0x65, 0x01, 0x02, 0x03}))
	})

	t.Run("too short to tell", func(t *testing.T) {
		assert.False(t, a.IsAnnexB([]byte{0x00, 0x00}))
	})
}

func TestBitstreamAdapter_RoundTrip(t *testing.T) {
	a := BitstreamAdapter{}
	pkt := RawPacket{StreamIndex: 0, PTS: 1000, Keyframe: false, Payload: sampleAVCC(t)}

	annexB, err := a.AVCCToAnnexB(pkt, "h264", CodecParams{})
	require.NoError(t, err)
	assert.True(t, a.IsAnnexB(annexB.Payload))

	back, err := a.AnnexBToAVCC(annexB, "h264")
	require.NoError(t, err)
	assert.False(t, a.IsAnnexB(back.Payload))
	assert.Equal(t, pkt.Payload, back.Payload)
}

func TestBitstreamAdapter_AVCCToAnnexB_Idempotent(t *testing.T) {
	a := BitstreamAdapter{}
	pkt := RawPacket{Payload: []byte{0x00, 0x00, 0x01, 0x65, 0x01}}

	out, err := a.AVCCToAnnexB(pkt, "h264", CodecParams{})
	require.NoError(t, err)
	assert.Equal(t, pkt.Payload, out.Payload)
}

func TestBitstreamAdapter_AnnexBToAVCC_NoOpOnAVCC(t *testing.T) {
	a := BitstreamAdapter{}
	pkt := RawPacket{Payload: []byte{0x00, 0x00, 0x00, 0x04, 0x65, 0x01, 0x02, 0x03}}

	out, err := a.AnnexBToAVCC(pkt, "h264")
	require.NoError(t, err)
	assert.Equal(t, pkt.Payload, out.Payload)
}

func TestBitstreamAdapter_KeyframePrependsParameterSets(t *testing.T) {
	a := BitstreamAdapter{}

	sps := []byte{0x67, 0xaa, 0xbb}
	pps := []byte{0x68, 0xcc}
	extradata, err := h264.AVCC{sps, pps}.Marshal()
	require.NoError(t, err)

	pkt := RawPacket{Keyframe: true, Payload: sampleAVCC(t)}
	out, err := a.AVCCToAnnexB(pkt, "h264", CodecParams{Extradata: extradata})
	require.NoError(t, err)

	var parsed h264.AnnexB
	require.NoError(t, parsed.Unmarshal(out.Payload))
	require.GreaterOrEqual(t, len(parsed), 3)
	assert.Equal(t, sps, []byte(parsed[0]))
	assert.Equal(t, pps, []byte(parsed[1]))
}

func TestBitstreamAdapter_MalformedPayload(t *testing.T) {
	a := BitstreamAdapter{}
	pkt := RawPacket{Payload: []byte{0xff, 0xff, 0xff, 0xff, 0x01}}

	_, err := a.AVCCToAnnexB(pkt, "h264", CodecParams{})
	assert.ErrorIs(t, err, ErrBitstreamMalformed)
}

func TestIsKeyframe(t *testing.T) {
	assert.True(t, IsKeyframe("h264", [][]byte{{0x65, 0x01}}))
	assert.False(t, IsKeyframe("h264", [][]byte{{0x61, 0x01}}))
}
