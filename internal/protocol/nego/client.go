package nego

import (
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/logging"
	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

// Connect sends the Connection Request and processes the Confirm. A refusal
// leaves the failure in SelectedProtocol and returns ErrNegotiationFailed.
func (n *Nego) Connect() error {
	n.requested = n.options.requestMask()

	req := n.connectionRequest()

	logging.Debug("RDP: negotiation: requesting %s (options %s)", n.requested, n.options)

	wire, err := n.x224.Connect(req.Serialize())
	if err != nil {
		return err
	}

	var resp pdu.ServerConnectionConfirm
	if err = resp.Deserialize(wire); err != nil {
		return fmt.Errorf("negotiation response: %w", err)
	}

	if resp.Type.IsFailure() {
		code := resp.FailureCode()
		n.selected = pdu.NegotiationProtocolFailedNego | pdu.NegotiationProtocol(code)

		return fmt.Errorf("%w: %s", ErrNegotiationFailed, code)
	}

	n.responseFlags = resp.Flags
	n.selected = resp.SelectedProtocol()

	if n.selected == pdu.NegotiationProtocolRDP {
		if !n.options.RDP {
			return fmt.Errorf("%w: %s", ErrUnrequestedProtocol, n.selected)
		}
	} else if n.requested&n.selected != n.selected {
		return fmt.Errorf("%w: %s", ErrUnrequestedProtocol, n.selected)
	}

	logging.Info("RDP: negotiation: server selected %s", n.selected)

	return nil
}
