// Command voicecat plays to and records from a voice channel using a voice
// state obtained elsewhere, such as by a bot that joined the channel.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/diamondburned/arivoice/utils/ws"
	"github.com/diamondburned/arivoice/voice"
)

var rootCmd = &cobra.Command{
	Use:   "voicecat",
	Short: "Pipe audio in and out of a voice channel",
	Long: `voicecat connects to a voice server with the state given in the VOICE_*
environment variables and plays or records audio. A .env file in the working
directory is loaded if present.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			log.SetLevel(log.DebugLevel)
			ws.Logger.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "log debug messages")
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(recordCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal("voicecat failed", "err", err)
	}
}

// runSession connects a session from the environment and calls fn once the
// first connection is up. The session keeps reconnecting while fn runs.
func runSession(ctx context.Context, fn func(context.Context, *voice.Session) error) error {
	cfg, err := LoadConfig(ctx)
	if err != nil {
		return err
	}

	state, err := cfg.State()
	if err != nil {
		return err
	}

	s, err := voice.NewSession(state)
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	defer s.Media().Shutdown()

	logger := log.Default()
	s.Logger = logger.WithPrefix("voice")
	s.Media().Logger = logger.WithPrefix("media")
	s.ConnectTimeout = cfg.ConnectTimeout
	s.SetAutoReconnect(true)

	d := newDirector(s, cfg.RetryMin, cfg.RetryMax, logger.WithPrefix("director"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-d.Connected():
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	fnErr := fn(ctx, s)

	cancel()
	<-errCh

	return fnErr
}
