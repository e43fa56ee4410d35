package voice

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/diamondburned/arivoice/voice/opuscodec"
)

// Pump calls SendFrame once per frame duration until ctx is done, which is the
// error it returns. Write errors are already reported to the session by
// SendFrame, so the pump keeps going across reconnects.
func Pump(ctx context.Context, m *MediaConnection) error {
	limiter := rate.NewLimiter(rate.Every(opuscodec.FrameDuration), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		if _, err := m.SendFrame(ctx); err != nil {
			m.Logger.Debug("pump failed to send frame", "err", err)
		}
	}
}
