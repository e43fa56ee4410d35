package voice

import (
	"github.com/charmbracelet/log"

	"github.com/diamondburned/arivoice/discord"
	"github.com/diamondburned/arivoice/voice/opuscodec"
)

type ssrcEntry struct {
	user    discord.UserID
	decoder *opuscodec.Decoder
}

// ssrcTable maps remote SSRCs to users and their decoders. It is only used
// from the receive goroutine; other goroutines queue changes through
// ssrcCommands.
type ssrcTable struct {
	entries map[uint32]*ssrcEntry
	logger  *log.Logger
}

func newSSRCTable(logger *log.Logger) *ssrcTable {
	return &ssrcTable{
		entries: make(map[uint32]*ssrcEntry),
		logger:  logger,
	}
}

// bind associates ssrc with user. Rebinding an SSRC to another user drops the
// old decoder.
func (t *ssrcTable) bind(ssrc uint32, user discord.UserID) {
	if e, ok := t.entries[ssrc]; ok {
		if e.user == user {
			return
		}

		t.logger.Warn("SSRC reassigned", "ssrc", ssrc, "old_user", e.user, "new_user", user)
		e.close()
	}

	t.entries[ssrc] = &ssrcEntry{user: user}
}

// unbindUser removes every SSRC bound to user.
func (t *ssrcTable) unbindUser(user discord.UserID) {
	for ssrc, e := range t.entries {
		if e.user == user {
			e.close()
			delete(t.entries, ssrc)
		}
	}
}

func (t *ssrcTable) lookup(ssrc uint32) *ssrcEntry {
	return t.entries[ssrc]
}

func (t *ssrcTable) len() int {
	return len(t.entries)
}

// reset drops every binding.
func (t *ssrcTable) reset() {
	for ssrc, e := range t.entries {
		e.close()
		delete(t.entries, ssrc)
	}
}

// decoderFor returns the entry's decoder, creating it on first use.
func (e *ssrcEntry) decoderFor(ssrc uint32) (*opuscodec.Decoder, error) {
	if e.decoder == nil {
		d, err := opuscodec.NewDecoder(ssrc)
		if err != nil {
			return nil, err
		}
		e.decoder = d
	}
	return e.decoder, nil
}

func (e *ssrcEntry) close() {
	if e.decoder != nil {
		e.decoder.Close()
		e.decoder = nil
	}
}
