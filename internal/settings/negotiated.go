package settings

import (
	"errors"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
)

var ErrSealed = errors.New("settings: negotiated parameters are sealed")

// Negotiated holds what the peers agree on during one connection attempt.
// Setters fail once Seal has run; Reset reopens it for the next attempt.
type Negotiated struct {
	sealed bool

	selectedProtocol    pdu.NegotiationProtocol
	requestedProtocols  pdu.NegotiationProtocol
	useRdpSecurityLayer bool
	encryptionLevel     security.EncryptionLevel
	encryptionMethod    security.EncryptionMethod
	clientRandom        []byte
	serverRandom        []byte
	serverCertificate   []byte
	earlyCapabilities   uint32
}

func (n *Negotiated) check() error {
	if n.sealed {
		return ErrSealed
	}

	return nil
}

// Seal freezes the parameters once security commencement is over.
func (n *Negotiated) Seal() {
	n.sealed = true
}

func (n *Negotiated) Sealed() bool {
	return n.sealed
}

// Reset clears every value and unseals. The randoms are zeroed.
func (n *Negotiated) Reset() {
	clear(n.clientRandom)
	clear(n.serverRandom)

	*n = Negotiated{}
}

func (n *Negotiated) SelectedProtocol() pdu.NegotiationProtocol {
	return n.selectedProtocol
}

func (n *Negotiated) SetSelectedProtocol(p pdu.NegotiationProtocol) error {
	if err := n.check(); err != nil {
		return err
	}

	n.selectedProtocol = p

	return nil
}

func (n *Negotiated) RequestedProtocols() pdu.NegotiationProtocol {
	return n.requestedProtocols
}

func (n *Negotiated) SetRequestedProtocols(p pdu.NegotiationProtocol) error {
	if err := n.check(); err != nil {
		return err
	}

	n.requestedProtocols = p

	return nil
}

// UseRdpSecurityLayer reports whether PDUs carry the basic security header
// beyond licensing, that is Standard RDP Security with encryption.
func (n *Negotiated) UseRdpSecurityLayer() bool {
	return n.useRdpSecurityLayer
}

func (n *Negotiated) SetUseRdpSecurityLayer(use bool) error {
	if err := n.check(); err != nil {
		return err
	}

	n.useRdpSecurityLayer = use

	return nil
}

func (n *Negotiated) EncryptionLevel() security.EncryptionLevel {
	return n.encryptionLevel
}

func (n *Negotiated) EncryptionMethod() security.EncryptionMethod {
	return n.encryptionMethod
}

func (n *Negotiated) SetEncryption(level security.EncryptionLevel, method security.EncryptionMethod) error {
	if err := n.check(); err != nil {
		return err
	}

	n.encryptionLevel, n.encryptionMethod = level, method

	return nil
}

func (n *Negotiated) ClientRandom() []byte {
	return n.clientRandom
}

func (n *Negotiated) SetClientRandom(random []byte) error {
	if err := n.check(); err != nil {
		return err
	}

	n.clientRandom = append([]byte(nil), random...)

	return nil
}

func (n *Negotiated) ServerRandom() []byte {
	return n.serverRandom
}

func (n *Negotiated) SetServerRandom(random []byte) error {
	if err := n.check(); err != nil {
		return err
	}

	n.serverRandom = append([]byte(nil), random...)

	return nil
}

func (n *Negotiated) ServerCertificate() []byte {
	return n.serverCertificate
}

func (n *Negotiated) SetServerCertificate(raw []byte) error {
	if err := n.check(); err != nil {
		return err
	}

	n.serverCertificate = append([]byte(nil), raw...)

	return nil
}

// EarlyCapabilities is the peer's SC_CORE (client) or CS_CORE (server)
// early capability flags.
func (n *Negotiated) EarlyCapabilities() uint32 {
	return n.earlyCapabilities
}

func (n *Negotiated) SetEarlyCapabilities(flags uint32) error {
	if err := n.check(); err != nil {
		return err
	}

	n.earlyCapabilities = flags

	return nil
}
