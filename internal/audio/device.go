package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/speech2text-lab/internal/logging"
)

// DeviceInfo describes a capture-capable PortAudio device.
type DeviceInfo struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// ListDevices returns every device with at least one input channel.
func ListDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []DeviceInfo
	for i, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		info := DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && def.Name == d.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// DeviceConfig selects and shapes a capture device.
type DeviceConfig struct {
	SampleRate int
	// FramesPerBuffer is the PortAudio block size; usually the chunk size.
	FramesPerBuffer int
	// DeviceIndex picks an input device from portaudio.Devices(). A negative
	// or unusable index falls back to the default input device.
	DeviceIndex int
}

// DeviceStream captures mono int16 audio from a PortAudio input device using
// the blocking read API.
type DeviceStream struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	block   []int16
	pending []int16
	device  string
	running bool
	closed  bool
}

// NewDeviceStream initializes PortAudio and opens the selected device. The
// stream is not started; the endpointing engine starts it per utterance.
func NewDeviceStream(cfg DeviceConfig) (*DeviceStream, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = cfg.SampleRate / 10
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	dev, err := selectDevice(cfg.DeviceIndex)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	block := make([]int16, cfg.FramesPerBuffer)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, block)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream on %q: %w", dev.Name, err)
	}
	logging.Infow("audio: input device opened", "device", dev.Name, "sample_rate", cfg.SampleRate, "frames_per_buffer", cfg.FramesPerBuffer)
	return &DeviceStream{stream: stream, block: block, device: dev.Name}, nil
}

func selectDevice(index int) (*portaudio.DeviceInfo, error) {
	if index >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		if index < len(devices) && devices[index].MaxInputChannels > 0 {
			return devices[index], nil
		}
		logging.Warnw("audio: device index unusable, falling back to default input", "device_index", index, "devices", len(devices))
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default input device: %w", err)
	}
	return dev, nil
}

// DeviceName is the name of the opened device.
func (d *DeviceStream) DeviceName() string { return d.device }

func (d *DeviceStream) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.running {
		return nil
	}
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	d.pending = d.pending[:0]
	d.running = true
	return nil
}

func (d *DeviceStream) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false
	if err := d.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

// ReadChunk blocks on the device until n samples are available. The context
// is checked between PortAudio blocks.
func (d *DeviceStream) ReadChunk(ctx context.Context, n int) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if !d.running {
		return nil, errors.New("audio: device stream not started")
	}
	for len(d.pending) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				logging.Debugw("audio: input overflowed", "device", d.device)
			} else {
				return nil, fmt.Errorf("read audio: %w", err)
			}
		}
		d.pending = append(d.pending, d.block...)
	}
	out := make([]int16, n)
	copy(out, d.pending)
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return out, nil
}

// Close stops and closes the stream and releases PortAudio.
func (d *DeviceStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.running {
		_ = d.stream.Stop()
		d.running = false
	}
	err := d.stream.Close()
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("close audio stream: %w", err)
	}
	return nil
}
