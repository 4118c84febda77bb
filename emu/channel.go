package emu

import "github.com/sarchlab/spurt/native"

// ChannelUnit implements the SPU channel interface. Only the outbound
// mailbox is modelled; reads of other channels return zero and writes to
// them are dropped.
type ChannelUnit struct {
	regFile *RegFile
	mailbox chan uint32
	closed  <-chan struct{}
}

// NewChannelUnit creates a channel unit with a one-entry outbound mailbox.
// Writes to a full mailbox block until the host drains it or closed is
// closed.
func NewChannelUnit(regFile *RegFile, closed <-chan struct{}) *ChannelUnit {
	return &ChannelUnit{
		regFile: regFile,
		mailbox: make(chan uint32, 1),
		closed:  closed,
	}
}

// WRCH writes the preferred slot of rt to channel ch. It returns false if
// the unit was shut down while waiting for mailbox space.
func (c *ChannelUnit) WRCH(ch, rt uint8) bool {
	if ch != native.MailboxChannel {
		return true
	}
	select {
	case c.mailbox <- c.regFile.ReadWord(rt):
		return true
	case <-c.closed:
		return false
	}
}

// RDCH reads channel ch into rt.
func (c *ChannelUnit) RDCH(rt, ch uint8) {
	c.regFile.WriteQuad(rt, native.Quad{})
}

// RCHCNT stores the channel count of ch into rt: free entries for the
// outbound mailbox, zero otherwise.
func (c *ChannelUnit) RCHCNT(rt, ch uint8) {
	var n uint32
	if ch == native.MailboxChannel {
		n = uint32(cap(c.mailbox) - len(c.mailbox))
	}
	c.regFile.WriteQuad(rt, native.Quad{n})
}

// Pending returns the number of words waiting in the outbound mailbox.
func (c *ChannelUnit) Pending() int {
	return len(c.mailbox)
}

// Read pops a word from the outbound mailbox.
func (c *ChannelUnit) Read() (uint32, bool) {
	select {
	case v := <-c.mailbox:
		return v, true
	default:
		return 0, false
	}
}
