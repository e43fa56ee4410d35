package main

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jonas747/ogg"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/diamondburned/arivoice/voice"
	"github.com/diamondburned/arivoice/voice/opuscodec"
)

var playCmd = &cobra.Command{
	Use:   "play <file.opus>",
	Short: "Play an Ogg Opus file into the voice channel",
	Long: `Play connects to the voice channel and streams the Opus packets of an
Ogg file, which must be 48kHz stereo with 20ms frames as produced by
ffmpeg -c:a libopus -frame_duration 20.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "failed to open file")
		}
		defer f.Close()

		src := newOggSource(f)

		return runSession(cmd.Context(), func(ctx context.Context, s *voice.Session) error {
			s.Media().SetSendHandler(src)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() {
				select {
				case <-src.Done():
				case <-ctx.Done():
					return
				}

				// Leave room for the trailing silence frames.
				t := time.NewTimer(time.Duration(voice.SilenceFrames+1) * opuscodec.FrameDuration)
				defer t.Stop()

				select {
				case <-t.C:
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := voice.Pump(ctx, s.Media()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return src.Err()
		})
	},
}

// oggSource provides the Opus packets of an Ogg stream, skipping the
// OpusHead and OpusTags header packets.
type oggSource struct {
	dec  *ogg.PacketDecoder
	next []byte

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func newOggSource(r io.Reader) *oggSource {
	return &oggSource{
		dec:  ogg.NewPacketDecoder(ogg.NewDecoder(r)),
		done: make(chan struct{}),
	}
}

// Done is closed once the stream is exhausted.
func (s *oggSource) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the stream, if it was not a clean EOF.
func (s *oggSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *oggSource) finish(err error) {
	s.once.Do(func() {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.mu.Lock()
			s.err = errors.Wrap(err, "failed to decode ogg")
			s.mu.Unlock()
		}
		close(s.done)
	})
}

func (s *oggSource) CanProvide() bool {
	if s.next != nil {
		return true
	}

	for {
		packet, _, err := s.dec.Decode()
		if err != nil {
			s.finish(err)
			return false
		}

		if isOpusHeader(packet) {
			continue
		}

		s.next = packet
		return true
	}
}

func (s *oggSource) Provide20MsAudio() []byte {
	p := s.next
	s.next = nil
	return p
}

func (s *oggSource) IsOpus() bool { return true }

func isOpusHeader(packet []byte) bool {
	if len(packet) < 8 {
		return false
	}
	magic := string(packet[:8])
	return magic == "OpusHead" || magic == "OpusTags"
}
