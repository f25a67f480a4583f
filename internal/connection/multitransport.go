package connection

import (
	"bytes"
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/rdpemt"
)

// multitransportHandler answers Initiate Multitransport Request PDUs. UDP
// transports are never opened, so every request is declined with E_ABORT.
type multitransportHandler struct {
	send     func(data []byte) error
	log      *logging.Logger
	declined []uint32
}

func newMultitransportHandler(send func(data []byte) error, log *logging.Logger) *multitransportHandler {
	return &multitransportHandler{send: send, log: log}
}

func (h *multitransportHandler) HandleRequest(body []byte) error {
	var req rdpemt.MultitransportRequest
	if err := req.Deserialize(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("multitransport request: %w", err)
	}

	h.log.Info("RDP: multitransport: declining request %d for %s",
		req.RequestID, rdpemt.ProtocolString(req.RequestedProtocol))

	if err := h.send(rdpemt.NewDeclineResponse(req.RequestID).Serialize()); err != nil {
		return fmt.Errorf("multitransport response: %w", err)
	}

	h.declined = append(h.declined, req.RequestID)

	return nil
}

// Declined lists the request IDs answered so far.
func (h *multitransportHandler) Declined() []uint32 {
	return h.declined
}
