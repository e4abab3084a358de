package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain забирает все готовые пакеты
func drain(s *Smoother) []*Frame {
	var out []*Frame
	for f := s.Read(); f != nil; f = s.Read() {
		out = append(out, f)
	}
	return out
}

func TestSmootherChunkingInvariance(t *testing.T) {
	data := voicePayload(1000)

	chunkings := map[string][]int{
		"одним куском":       {1000},
		"мелкими кусками":    {7, 13, 150, 1, 299, 30, 500},
		"по размеру пакета":  {160, 160, 160, 160, 160, 160, 40},
		"крупнее пакета":     {200, 200, 200, 200, 200},
		"пакет после хвоста": {40, 160, 160, 160, 160, 160, 160},
	}

	for name, sizes := range chunkings {
		t.Run(name, func(t *testing.T) {
			s := NewSmoother(160, 0)
			var packets []*Frame
			off := 0
			for _, n := range sizes {
				require.NoError(t, s.Feed(NewVoiceFrame(CodecULAW, data[off:off+n])))
				off += n
				packets = append(packets, drain(s)...)
			}
			require.Equal(t, len(data), off)

			require.Len(t, packets, 6)
			var joined []byte
			for _, p := range packets {
				assert.Len(t, p.Data, 160)
				assert.Equal(t, 160, p.Samples)
				assert.Equal(t, CodecULAW, p.Codec)
				joined = append(joined, p.Data...)
			}
			assert.Equal(t, data[:960], joined)
			assert.Equal(t, 40, s.Len())
		})
	}
}

func TestSmootherBypass(t *testing.T) {
	s := NewSmoother(160, 0)
	f := NewVoiceFrame(CodecULAW, voicePayload(160))

	require.NoError(t, s.Feed(f))
	assert.Equal(t, 0, s.Len(), "фрейм размером с пакет не копируется в буфер")

	out := s.Read()
	require.NotNil(t, out)
	assert.Equal(t, f.Data, out.Data)
	assert.Nil(t, s.Read())
}

func TestSmootherBigEndian(t *testing.T) {
	size, flags := SmootherSize(CodecSLINEAR, 0)
	require.Equal(t, 320, size)
	require.Equal(t, SmootherBigEndian, flags)

	s := NewSmoother(size, flags)
	data := voicePayload(320)
	original := append([]byte(nil), data...)

	require.NoError(t, s.Feed(NewVoiceFrame(CodecSLINEAR, data)))
	out := s.Read()
	require.NotNil(t, out)
	assert.Equal(t, original, data, "исходный фрейм не меняется")
	assert.Equal(t, []byte{1, 0, 3, 2}, out.Data[:4])

	// Через буфер порядок байт меняется так же
	require.NoError(t, s.Feed(NewVoiceFrame(CodecSLINEAR, data[:100])))
	require.NoError(t, s.Feed(NewVoiceFrame(CodecSLINEAR, data[100:])))
	out = s.Read()
	require.NotNil(t, out)
	assert.Equal(t, swapSamples(data), out.Data)
	assert.Equal(t, 160, out.Samples)
}

func TestSmootherErrors(t *testing.T) {
	t.Run("не голос", func(t *testing.T) {
		s := NewSmoother(160, 0)
		assert.ErrorIs(t, s.Feed(nil), ErrUnsupportedFrame)
		assert.ErrorIs(t, s.Feed(&Frame{Type: FrameVideo, Codec: CodecH264, Data: []byte{1}}), ErrUnsupportedFrame)
	})

	t.Run("смена кодека", func(t *testing.T) {
		s := NewSmoother(160, 0)
		require.NoError(t, s.Feed(NewVoiceFrame(CodecULAW, voicePayload(80))))
		assert.ErrorIs(t, s.Feed(NewVoiceFrame(CodecALAW, voicePayload(80))), ErrSmootherFormat)
	})

	t.Run("переполнение", func(t *testing.T) {
		s := NewSmoother(160, 0)
		require.NoError(t, s.Feed(NewVoiceFrame(CodecULAW, make([]byte, SmootherCapacity))))
		assert.ErrorIs(t, s.Feed(NewVoiceFrame(CodecULAW, make([]byte, 1))), ErrSmootherFull)
		assert.Equal(t, SmootherCapacity, s.Len())
	})
}

func TestSmootherG729(t *testing.T) {
	size, flags := SmootherSize(CodecG729A, 0)
	require.Equal(t, 20, size)
	s := NewSmoother(size, flags)

	// VAD фрейм в пустой буфер уходит сразу
	require.NoError(t, s.Feed(NewVoiceFrame(CodecG729A, []byte{1, 2})))
	out := s.Read()
	require.NotNil(t, out)
	assert.Len(t, out.Data, 2)

	// 10 байт голоса и VAD хвост выдаются вместе, не дожидаясь 20 байт
	require.NoError(t, s.Feed(NewVoiceFrame(CodecG729A, voicePayload(10))))
	assert.Nil(t, s.Read())
	require.NoError(t, s.Feed(NewVoiceFrame(CodecG729A, []byte{0xaa, 0xbb})))
	// за VAD хвостом ничего не дописывается
	require.NoError(t, s.Feed(NewVoiceFrame(CodecG729A, voicePayload(10))))
	assert.Equal(t, 12, s.Len())

	out = s.Read()
	require.NotNil(t, out)
	assert.Len(t, out.Data, 12)
	assert.Equal(t, 0, s.Len())
}

func TestSmootherDelivery(t *testing.T) {
	s := NewSmoother(160, 0)
	start := time.Unix(1700000000, 0)

	f := NewVoiceFrame(CodecULAW, voicePayload(480))
	f.Delivery = start
	require.NoError(t, s.Feed(f))

	packets := drain(s)
	require.Len(t, packets, 3)
	assert.Equal(t, start, packets[0].Delivery)
	assert.Equal(t, start.Add(20*time.Millisecond), packets[1].Delivery)
	assert.Equal(t, start.Add(40*time.Millisecond), packets[2].Delivery)
}

func TestSmootherReset(t *testing.T) {
	s := NewSmoother(160, 0)
	require.NoError(t, s.Feed(NewVoiceFrame(CodecULAW, voicePayload(100))))
	assert.Equal(t, CodecULAW, s.Codec())

	s.Reset(240)
	assert.Equal(t, 240, s.Size())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, Codec(0), s.Codec())

	// После сброса принимается другой кодек
	require.NoError(t, s.Feed(NewVoiceFrame(CodecALAW, voicePayload(240))))
	out := s.Read()
	require.NotNil(t, out)
	assert.Equal(t, CodecALAW, out.Codec)
}
