//go:build !opus
// +build !opus

package audio

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
)

// ErrOpusUnavailable is returned by the Opus sources in builds without the
// opus tag (and therefore without libopus).
var ErrOpusUnavailable = errors.New("audio: built without opus support; rebuild with -tags opus")

const OggOpusRate = 48000

type OggOpusStream struct{}

func OpenOggOpus(path string, wantRate, tailChunks int) (*OggOpusStream, error) {
	return nil, ErrOpusUnavailable
}

func (o *OggOpusStream) SampleRate() int { return OggOpusRate }
func (o *OggOpusStream) Start() error { return ErrOpusUnavailable }
func (o *OggOpusStream) Stop() error { return nil }
func (o *OggOpusStream) ReadChunk(context.Context, int) ([]int16, error) { return nil, ErrOpusUnavailable }
func (o *OggOpusStream) Close() error { return nil }

type DiscordConfig struct {
	SampleRate int
	UserIDs    []string
}

type DiscordStream struct{}

func NewDiscordStream(vc *discordgo.VoiceConnection, cfg DiscordConfig) (*DiscordStream, error) {
	return nil, ErrOpusUnavailable
}

func (d *DiscordStream) DecodeErrors() int64 { return 0 }
func (d *DiscordStream) Start() error { return ErrOpusUnavailable }
func (d *DiscordStream) Stop() error { return nil }
func (d *DiscordStream) ReadChunk(context.Context, int) ([]int16, error) { return nil, ErrOpusUnavailable }
func (d *DiscordStream) Close() error { return nil }
