package chord

import (
	"net/netip"

	"github.com/zde37/gusearch/internal/pending"
	"github.com/zde37/gusearch/internal/protocol"
)

// SendPing pings dest and returns the transaction id. An unset destination
// fails immediately through Observer.PingFailed.
func (n *ChordNode) SendPing(dest protocol.NodeRef, message string) uint32 {
	txID := n.NextTransactionID()
	req := PingRequest{
		TransactionID: txID,
		Destination:   dest,
		Message:       message,
		SentAt:        n.clock.Now(),
	}

	if dest.IsZero() {
		n.logger.Warn().Uint32("transaction_id", txID).Msg("Ping to unknown destination")
		n.observer.PingFailed(req)
		return txID
	}

	n.pings.Add(txID, req)
	n.logger.Info().
		Str("to", dest.String()).
		Str("message", message).
		Uint32("transaction_id", txID).
		Msg("Sending PING_REQ")
	n.send(dest.Addr, protocol.PingReq, txID, &protocol.Ping{Message: message})
	return txID
}

// AuditPings expires pings older than the configured timeout. Each expired
// ping reports failure exactly once.
func (n *ChordNode) AuditPings() int {
	return n.pings.Expire(n.config.PingTimeout, func(e pending.Entry[PingRequest]) {
		n.logger.Warn().
			Str("to", e.Value.Destination.String()).
			Uint32("transaction_id", e.TransactionID).
			Msg("Ping timed out")
		n.observer.PingFailed(e.Value)
	})
}

func (n *ChordNode) handlePingReq(from netip.Addr, txID uint32, p *protocol.Ping) {
	n.logger.Info().
		Str("from", from.String()).
		Str("message", p.Message).
		Msg("Received PING_REQ")
	n.observer.PingReceived(from, p.Message)
	n.send(from, protocol.PingRsp, txID, &protocol.Ping{Message: p.Message})
}

func (n *ChordNode) handlePingRsp(txID uint32, p *protocol.Ping) {
	e, ok := n.pings.Take(txID)
	if !ok {
		n.logger.Debug().Uint32("transaction_id", txID).Msg("Dropping PING_RSP with unknown transaction")
		return
	}
	n.logger.Info().
		Str("from", e.Value.Destination.String()).
		Str("message", p.Message).
		Msg("Received PING_RSP")
	n.observer.PingSucceeded(e.Value)
}
