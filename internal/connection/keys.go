package connection

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
)

const securityHeaderLen = 4

// expectSecurityHeader decides whether a PDU received on channelID starts
// with a basic security header. Under enhanced security only the message
// channel and the security, licensing and multitransport PDUs carry one;
// a multitransport request and a Demand Active can both arrive after
// licensing, so the payload is inspected there.
func (c *Connection) expectSecurityHeader(channelID uint16, data []byte) bool {
	if c.roster.isMessage(channelID) || c.settings.Negotiated.UseRdpSecurityLayer() {
		return true
	}

	switch {
	case c.state >= StateRDPSecurityCommencement && c.state <= StateLicensing:
		return true
	case c.state == StateMultitransportBootstrappingRequest, c.state == StateMultitransportBootstrappingResponse:
		return !isShareControl(data)
	}

	return false
}

// isShareControl recognises a share control PDU by its self-describing
// length and type.
func isShareControl(data []byte) bool {
	if len(data) < 6 || int(binary.LittleEndian.Uint16(data)) != len(data) {
		return false
	}

	t := pdu.Type(binary.LittleEndian.Uint16(data[2:]))

	return t.IsDemandActive() || t.IsDeactivateAll() || t.IsData() || t.IsServerRedirect()
}

// unwrapSecurity strips the security header and decrypts when SEC_ENCRYPT
// is set.
func (c *Connection) unwrapSecurity(data []byte, hasHeader bool) (pdu.SecurityFlag, []byte, error) {
	if !hasHeader {
		return 0, data, nil
	}

	var header pdu.SecurityHeader
	if err := header.Deserialize(bytes.NewReader(data)); err != nil {
		return 0, nil, fmt.Errorf("security header: %w", err)
	}

	body := data[securityHeaderLen:]

	if header.Flags.Has(pdu.SecurityFlagEncrypt) {
		if c.layer == nil {
			return 0, nil, fmt.Errorf("%w: encrypted pdu before key establishment", ErrProtocolSequence)
		}

		plain, err := c.layer.Decrypt(body, header.Flags.Has(pdu.SecurityFlagSecureChecksum))
		if err != nil {
			return 0, nil, fmt.Errorf("decrypt: %w", err)
		}

		body = plain
	}

	return header.Flags, body, nil
}

func (c *Connection) encryptOutgoing(flags pdu.SecurityFlag) bool {
	if c.layer == nil || flags&(pdu.SecurityFlagExchangePkt|pdu.SecurityFlagLicensePkt) != 0 {
		return false
	}

	// low level protects client to server traffic only
	if c.role == RoleServer && c.settings.Negotiated.EncryptionLevel() == security.EncryptionLevelLow {
		return false
	}

	return true
}

// sendSecured sends payload on channelID, adding the security header when
// flags are set, Standard RDP Security is in use or the channel is the
// message channel.
func (c *Connection) sendSecured(channelID uint16, flags pdu.SecurityFlag, payload []byte) error {
	if flags == 0 && !c.settings.Negotiated.UseRdpSecurityLayer() && !c.roster.isMessage(channelID) {
		return c.mcs.SendData(channelID, payload)
	}

	body := payload

	if c.encryptOutgoing(flags) {
		encrypted, err := c.layer.Encrypt(payload, false)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}

		flags |= pdu.SecurityFlagEncrypt
		body = encrypted
	}

	header := pdu.SecurityHeader{Flags: flags}

	return c.mcs.SendData(channelID, append(header.Serialize(), body...))
}

// sendShareControl sends a share control PDU on the I/O channel.
func (c *Connection) sendShareControl(payload []byte) error {
	return c.sendSecured(c.roster.GlobalID, 0, payload)
}

// establishClientKeys sends the encrypted client random and provisions the
// session layer. Nothing is kept when a step fails.
func (c *Connection) establishClientKeys() error {
	n := &c.settings.Negotiated

	random, err := c.crypto.Random(security.RandomLength)
	if err != nil {
		return fmt.Errorf("%w: client random: %v", ErrResourceExhausted, err)
	}
	defer clear(random)

	pub, err := c.certs.ParseCertificate(n.ServerCertificate())
	if err != nil {
		return fmt.Errorf("server certificate: %w", err)
	}

	encrypted, err := c.crypto.PublicEncrypt(random, pub)
	if err != nil {
		return fmt.Errorf("encrypt client random: %w", err)
	}

	exchange := pdu.SecurityExchangePDU{EncryptedClientRandom: encrypted}
	if err := c.sendSecured(c.roster.GlobalID, pdu.SecurityFlagExchangePkt, exchange.Serialize()); err != nil {
		return fmt.Errorf("security exchange: %w", err)
	}

	return c.installKeys(random, false)
}

// establishServerKeys recovers the client random from a Security Exchange
// PDU body.
func (c *Connection) establishServerKeys(body []byte) error {
	if c.settings.ServerPrivateKey == nil {
		return ErrNoServerKey
	}

	var exchange pdu.SecurityExchangePDU
	if err := exchange.Deserialize(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("security exchange: %w", err)
	}

	random, err := c.crypto.PrivateDecrypt(exchange.EncryptedClientRandom, c.settings.ServerPrivateKey)
	if err != nil {
		return fmt.Errorf("decrypt client random: %w", err)
	}
	defer clear(random)

	return c.installKeys(random, true)
}

func (c *Connection) installKeys(clientRandom []byte, server bool) error {
	n := &c.settings.Negotiated

	layer, err := c.crypto.EstablishKeys(clientRandom, n.ServerRandom(), n.EncryptionMethod(), server)
	if err != nil {
		return fmt.Errorf("session keys: %w", err)
	}

	if err := n.SetClientRandom(clientRandom); err != nil {
		layer.Close()
		return err
	}

	c.dropKeys()
	c.layer = layer

	c.log.Debug("RDP: security: %s session keys established", n.EncryptionMethod())

	return nil
}
