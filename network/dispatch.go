package network

import (
	"go.uber.org/zap"

	"fleetnet/message"
)

// Dispatch applies the inbound routing rule every Channel implementation
// shares: a packet answering a pending query resolves it; anything else goes
// to the listener registry. Listener failures are logged and never close the
// channel.
func Dispatch(ch Channel, p *message.Packet, logger *zap.Logger) {
	if p.IsQuery() && ch.Queries().Resolve(p) {
		return
	}
	if p.Channel() == ChannelHeartbeat {
		p.Release()
		return
	}

	err := ch.Listeners().HandlePacket(ch, p)
	p.Release()
	if err != nil {
		logger.Warn("packet handling failed",
			zap.Int32("channel", p.Channel()),
			zap.Stringer("channelID", ch.ID()),
			zap.Error(err))
	}
}
