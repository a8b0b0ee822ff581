package broker

import (
	"encoding/json"
	"fmt"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

// SendCommand delivers command to the desktop bound to token.
// It returns ErrNotFound for an unknown token and ErrInstanceOffline when
// the instance is registered but has no live connection. Delivery is
// fire-and-forget: nothing waits for a response.
func (b *Broker) SendCommand(token, command string, payload json.RawMessage) error {
	if token == "" || command == "" {
		return fmt.Errorf("%w: token and command are required", domain.ErrInvalidInput)
	}

	connID, err := b.reg.ConnFor(token)
	if err != nil {
		return err
	}
	desk, ok := b.lookup(connID)
	if !ok {
		// bound connection is tearing down
		return domain.ErrInstanceOffline
	}

	frame, err := encode(EventCommandReceive, commandReceivePayload{Command: command, Payload: payload})
	if err != nil {
		return err
	}
	if !desk.enqueue(frame) {
		return domain.ErrInstanceOffline
	}

	if err := b.reg.AppendMessage(token, domain.MessageEntry{
		Direction: domain.DirectionCommand,
		Type:      command,
		Content:   payload,
	}); err != nil {
		desk.log.Debug("command log append failed", logger.Error(err))
	}
	desk.log.Debug("command delivered", logger.String("command", command))
	return nil
}

// SendResponse relays a desktop's reply to every viewer. It runs under
// seq so viewers see responses and status deltas in commit order.
func (b *Broker) SendResponse(from *client, response json.RawMessage, typ string) error {
	r, token := from.identity()
	if r != roleDesktop || token == "" {
		return fmt.Errorf("%w: send ally:connect before responding", domain.ErrInvalidInput)
	}

	b.seq.Lock()
	defer b.seq.Unlock()

	if err := b.reg.AppendMessage(token, domain.MessageEntry{
		Direction: domain.DirectionResponse,
		Type:      typ,
		Content:   response,
	}); err != nil {
		return err
	}

	dropped := b.fan.broadcast(EventResponseReceive, responseReceivePayload{
		Token:    token,
		Response: response,
		Type:     typ,
	})
	for _, c := range dropped {
		c.log.Warn("dropping slow viewer")
		c.shutdown()
	}
	return nil
}
