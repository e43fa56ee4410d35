package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/voice"
	"github.com/diamondburned/arivoice/voice/opuscodec"
)

var recordCmd = &cobra.Command{
	Use:   "record <out.pcm>",
	Short: "Record the mixed audio of the voice channel",
	Long: `Record connects to the voice channel and writes the combined audio of
everyone speaking as raw signed 16-bit little-endian 48kHz stereo PCM until
interrupted. Use - to write to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var w io.Writer = os.Stdout
		if args[0] != "-" {
			f, err := os.Create(args[0])
			if err != nil {
				return errors.Wrap(err, "failed to create output")
			}
			defer f.Close()
			w = f
		}

		rec := newPCMRecorder(w, log.Default())
		defer rec.Flush()

		ignored, _ := cmd.Flags().GetStringSlice("ignore")
		for _, id := range ignored {
			sf, err := discord.ParseSnowflake(id)
			if err != nil {
				return errors.Wrapf(err, "invalid user ID %q", id)
			}
			rec.Ignore(discord.UserID(sf))
		}

		return runSession(cmd.Context(), func(ctx context.Context, s *voice.Session) error {
			s.Media().SetReceiveHandler(rec)
			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	recordCmd.Flags().StringSlice("ignore", nil, "user IDs to leave out of the recording")
}

// pcmRecorder writes combined audio as little-endian PCM.
type pcmRecorder struct {
	mu      sync.Mutex
	w       *bufio.Writer
	buf     []byte
	ignored map[discord.UserID]struct{}
	err     error
	logger  *log.Logger
}

func newPCMRecorder(w io.Writer, logger *log.Logger) *pcmRecorder {
	return &pcmRecorder{
		w:       bufio.NewWriter(w),
		ignored: make(map[discord.UserID]struct{}),
		logger:  logger,
	}
}

// Ignore leaves the user out of the combined audio.
func (r *pcmRecorder) Ignore(user discord.UserID) {
	r.mu.Lock()
	r.ignored[user] = struct{}{}
	r.mu.Unlock()
}

// Flush writes out buffered audio.
func (r *pcmRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	return r.w.Flush()
}

func (r *pcmRecorder) CanReceiveCombined() bool { return true }
func (r *pcmRecorder) CanReceiveUser() bool     { return false }
func (r *pcmRecorder) CanReceiveEncoded() bool  { return false }

func (r *pcmRecorder) HandleUserAudio(*voice.UserAudio)       {}
func (r *pcmRecorder) HandleEncodedAudio(*voice.EncodedAudio) {}

func (r *pcmRecorder) IncludeUserInCombinedAudio(user discord.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ignored := r.ignored[user]
	return !ignored
}

func (r *pcmRecorder) HandleCombinedAudio(a *voice.CombinedAudio) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}

	r.buf = opuscodec.Int16ToPCM(r.buf[:0], a.PCM, binary.LittleEndian)
	if _, err := r.w.Write(r.buf); err != nil {
		r.err = errors.Wrap(err, "failed to write PCM")
		r.logger.Error("recording stopped", "err", err)
	}
}
