package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	opusdec "gopkg.in/hraban/opus.v2"

	"github.com/stampatlas/voicekit/shared"
)

// Microphone is the exclusively-owned capture device of one voice session.
type Microphone struct {
	stream mediadevices.MediaStream
	track  mediadevices.Track

	// FrameDuration is the Opus encoder latency, which is also the
	// sample duration to stamp on outgoing frames.
	FrameDuration time.Duration
}

// AcquireMicrophone requests exclusive access to a capture device with an
// Opus encoder attached. The device stays open until Release.
func AcquireMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrDeviceUnavailable, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, fmt.Errorf("%w: no audio track in capture stream", shared.ErrDeviceUnavailable)
	}
	logger.Info("microphone acquired")
	return &Microphone{
		stream:        stream,
		track:         tracks[0],
		FrameDuration: time.Duration(opusParams.Latency),
	}, nil
}

// Release closes every track of the capture stream. Safe to call more than
// once.
func (m *Microphone) Release(logger shared.LoggerAdapter) {
	if m == nil || m.stream == nil {
		return
	}
	for _, t := range m.stream.GetTracks() {
		if err := t.Close(); err != nil {
			logger.Error("closing capture track", err)
		}
	}
	m.stream = nil
	m.track = nil
}

// Pump reads encoded frames from the microphone and writes them to the local
// WebRTC track until the context ends or the device closes.
func (m *Microphone) Pump(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample) {
	if m == nil || m.track == nil {
		return
	}
	reader, err := m.track.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating encoded microphone reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				release()
				return
			}
			logger.Error("reading from microphone track", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: m.FrameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to local track", err)
			continue
		}
	}
}

// Play decodes the remote Opus track and feeds it to the default output
// device through a bounded ring buffer; overruns drop the oldest audio.
func Play(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, bufferMs, ringSeconds int) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sample_rate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opusdec.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating opus decoder", err)
		return
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(bufferMs) * time.Millisecond,
	})
	if err != nil {
		logger.Error("creating audio output context", err)
		return
	}
	ring := NewRingBuffer(ringSeconds * sampleRate * channels * 2)
	pcm := make([]int16, int((float64(bufferMs)/1000)*float64(sampleRate))*channels)

	<-ready
	player := otoCtx.NewPlayer(ring)
	player.Play()
	defer func() { _ = player.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			rtp, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Error("reading RTP packet", err)
				}
				return
			}
			if len(rtp.Payload) == 0 {
				continue
			}
			n, err := decoder.Decode(rtp.Payload, pcm)
			if err != nil {
				logger.Error("decoding opus frame", err)
				continue
			}
			pcmSlice := pcm[:n*channels]
			pcmBytes := make([]byte, len(pcmSlice)*2)
			for i := range len(pcmSlice) {
				binary.LittleEndian.PutUint16(pcmBytes[i*2:], uint16(pcmSlice[i]))
			}
			if dropped := ring.Write(pcmBytes); dropped > 0 {
				logger.Warn("playback buffer overrun", zap.Int("dropped_bytes", dropped))
			}
		}
	}
}
