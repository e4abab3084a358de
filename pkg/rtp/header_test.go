package rtp

import (
	"fmt"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	for _, csrcCount := range []int{0, 1, 15} {
		for _, withExtension := range []bool{false, true} {
			name := fmt.Sprintf("csrc=%d extension=%v", csrcCount, withExtension)
			t.Run(name, func(t *testing.T) {
				h := rtp.Header{
					Marker:         csrcCount%2 == 1,
					PayloadType:    96,
					SequenceNumber: 65535,
					Timestamp:      0xfffffff0,
					SSRC:           0x11223344,
				}
				for i := 0; i < csrcCount; i++ {
					h.CSRC = append(h.CSRC, uint32(i+1))
				}
				if withExtension {
					h.Extension = true
					h.ExtensionProfile = 0xBEDE
					require.NoError(t, h.SetExtension(1, []byte{0xaa, 0xbb}))
				}

				payload := voicePayload(33)
				data, err := MarshalPacket(h, payload)
				require.NoError(t, err)

				p, err := ParsePacket(data)
				require.NoError(t, err)
				assert.Equal(t, uint8(Version), p.Header.Version)
				assert.Equal(t, h.Marker, p.Header.Marker)
				assert.Equal(t, h.PayloadType, p.Header.PayloadType)
				assert.Equal(t, h.SequenceNumber, p.Header.SequenceNumber)
				assert.Equal(t, h.Timestamp, p.Header.Timestamp)
				assert.Equal(t, h.SSRC, p.Header.SSRC)
				assert.Len(t, p.Header.CSRC, csrcCount)
				assert.Equal(t, withExtension, p.Header.Extension)
				if withExtension {
					assert.Equal(t, []byte{0xaa, 0xbb}, p.Header.GetExtension(1))
				}
				assert.Equal(t, payload, p.Payload)
			})
		}
	}
}

func TestParsePacketPadding(t *testing.T) {
	data, err := MarshalPacket(buildHeader(0, 1, 160, 7, false), []byte{1, 2, 3})
	require.NoError(t, err)

	padded := append(append([]byte(nil), data...), 0, 0, 3)
	padded[0] |= 0x20

	p, err := ParsePacket(padded)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p.Payload)
	assert.False(t, p.Header.Padding)

	t.Run("длина padding больше полезной нагрузки", func(t *testing.T) {
		bad := append(append([]byte(nil), data...), 9)
		bad[0] |= 0x20
		_, err := ParsePacket(bad)
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("нулевая длина padding", func(t *testing.T) {
		bad := append(append([]byte(nil), data...), 0)
		bad[0] |= 0x20
		_, err := ParsePacket(bad)
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

func TestParsePacketErrors(t *testing.T) {
	valid, err := MarshalPacket(buildHeader(8, 1, 0, 1, false), nil)
	require.NoError(t, err)

	csrc := append([]byte(nil), valid...)
	csrc[0] |= 0x03 // объявлено 3 CSRC, данных нет

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "пустой буфер", data: nil, wantErr: ErrPacketTooShort},
		{name: "короче заголовка", data: valid[:11], wantErr: ErrPacketTooShort},
		{name: "версия 1", data: append([]byte{0x40}, valid[1:]...), wantErr: ErrBadVersion},
		{name: "версия 0", data: append([]byte{0x00}, valid[1:]...), wantErr: ErrBadVersion},
		{name: "обрезанный CSRC", data: csrc, wantErr: ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	p, err := ParsePacket(valid)
	require.NoError(t, err)
	assert.Empty(t, p.Payload)
}
