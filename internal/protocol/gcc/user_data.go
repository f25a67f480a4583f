package gcc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/codec"
)

// BlockType identifies a GCC user data block (MS-RDPBCGR 2.2.1.3.1).
type BlockType uint16

const (
	BlockClientCore           BlockType = 0xC001
	BlockClientSecurity       BlockType = 0xC002
	BlockClientNetwork        BlockType = 0xC003
	BlockClientCluster        BlockType = 0xC004
	BlockClientMonitor        BlockType = 0xC005
	BlockClientMessageChannel BlockType = 0xC006
	BlockClientMultitransport BlockType = 0xC00A

	BlockServerCore           BlockType = 0x0C01
	BlockServerSecurity       BlockType = 0x0C02
	BlockServerNetwork        BlockType = 0x0C03
	BlockServerMessageChannel BlockType = 0x0C04
	BlockServerMultitransport BlockType = 0x0C08
)

const (
	rdpVersion5Plus             = 0x00080004
	rdpVersion10_7              = 0x00080011
	keyboardTypeIBM101or102Keys = 0x00000004
	blockHeaderLen              = 4
)

// earlyCapabilityFlags of TS_UD_CS_CORE
const (
	ECFSupportErrInfoPDU        uint16 = 0x0001
	ECFWant32BPPSession         uint16 = 0x0002
	ECFSupportStatusInfoPDU     uint16 = 0x0004
	ECFStrongAsymmetricKeys     uint16 = 0x0008
	ECFValidConnectionType      uint16 = 0x0020
	ECFSupportMonitorLayoutPDU  uint16 = 0x0040
	ECFSupportNetCharAutodetect uint16 = 0x0080
	ECFSupportDynvcGFXProtocol  uint16 = 0x0100
	ECFSupportDynamicTimeZone   uint16 = 0x0200
	ECFSupportHeartbeatPDU      uint16 = 0x0400
	ECFSupportSkipChannelJoin   uint16 = 0x0800
)

// earlyCapabilityFlags of TS_UD_SC_CORE
const (
	SCEarlyEdgeActionsV1   uint32 = 0x00000001
	SCEarlyDynamicDST      uint32 = 0x00000002
	SCEarlyEdgeActionsV2   uint32 = 0x00000004
	SCEarlySkipChannelJoin uint32 = 0x00000008
)

// Color depth constants from MS-RDPBCGR
const (
	HighColor8BPP  uint16 = 0x0008
	HighColor15BPP uint16 = 0x000F
	HighColor16BPP uint16 = 0x0010
	HighColor24BPP uint16 = 0x0018

	Support24BPP uint16 = 0x0001
	Support16BPP uint16 = 0x0002
	Support15BPP uint16 = 0x0004
	Support32BPP uint16 = 0x0008
)

// Cluster flags (MS-RDPBCGR 2.2.1.3.5)
const (
	ClusterRedirectionSupported     uint32 = 0x00000001
	ClusterRedirectedSessionIDValid uint32 = 0x00000002
	ClusterRedirectedSmartcard      uint32 = 0x00000040

	clusterRedirectionVersion5 uint32 = 0x04 << 2
)

// Channel definition options (MS-RDPBCGR 2.2.1.3.4.1)
const (
	ChannelOptionInitialized  uint32 = 0x80000000
	ChannelOptionEncryptRDP   uint32 = 0x40000000
	ChannelOptionCompressRDP  uint32 = 0x00800000
	ChannelOptionShowProtocol uint32 = 0x00200000
)

func writeBlockHeader(buf *bytes.Buffer, t BlockType, bodyLen int) {
	_ = binary.Write(buf, binary.LittleEndian, uint16(t))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockHeaderLen+bodyLen)) // #nosec G115
}

// readOptional reads fields in order until body is exhausted.
func readOptional(r *bytes.Reader, fields ...any) error {
	for _, f := range fields {
		if r.Len() == 0 {
			return nil
		}

		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlockLength, err)
		}
	}

	return nil
}

// forEachBlock splits a user data stream into typed block bodies.
func forEachBlock(data []byte, fn func(t BlockType, body []byte) error) error {
	wire := bytes.NewReader(data)

	for wire.Len() > 0 {
		var header struct {
			Type   BlockType
			Length uint16
		}

		if err := binary.Read(wire, binary.LittleEndian, &header); err != nil {
			return fmt.Errorf("%w: header: %v", ErrInvalidBlockLength, err)
		}

		if header.Length < blockHeaderLen {
			return fmt.Errorf("%w: 0x%04X has length %d", ErrInvalidBlockLength, uint16(header.Type), header.Length)
		}

		body := make([]byte, header.Length-blockHeaderLen)
		if _, err := io.ReadFull(wire, body); err != nil {
			return fmt.Errorf("%w: 0x%04X: %v", ErrInvalidBlockLength, uint16(header.Type), err)
		}

		if err := fn(header.Type, body); err != nil {
			return err
		}
	}

	return nil
}

// ClientCoreData is TS_UD_CS_CORE (MS-RDPBCGR 2.2.1.3.2).
type ClientCoreData struct {
	Version                uint32
	DesktopWidth           uint16
	DesktopHeight          uint16
	ColorDepth             uint16
	SASSequence            uint16
	KeyboardLayout         uint32
	ClientBuild            uint32
	ClientName             [32]byte
	KeyboardType           uint32
	KeyboardSubType        uint32
	KeyboardFunctionKey    uint32
	ImeFileName            [64]byte
	PostBeta2ColorDepth    uint16
	ClientProductId        uint16
	SerialNumber           uint32
	HighColorDepth         uint16
	SupportedColorDepths   uint16
	EarlyCapabilityFlags   uint16
	ClientDigProductId     [64]byte
	ConnectionType         uint8
	Pad1octet              uint8
	ServerSelectedProtocol uint32
	DesktopPhysicalWidth   uint32
	DesktopPhysicalHeight  uint32
	DesktopOrientation     uint16
	DesktopScaleFactor     uint32
	DeviceScaleFactor      uint32
}

// NewClientCoreData fills TS_UD_CS_CORE for the given desktop.
func NewClientCoreData(selectedProtocol uint32, desktopWidth, desktopHeight uint16, colorDepth int, clientName string) *ClientCoreData {
	var highColorDepth, supportedColorDepths uint16
	earlyCapabilityFlags := ECFSupportErrInfoPDU | ECFSupportHeartbeatPDU | ECFSupportNetCharAutodetect

	switch colorDepth {
	case 32:
		highColorDepth = HighColor24BPP
		supportedColorDepths = Support32BPP | Support24BPP | Support16BPP
		earlyCapabilityFlags |= ECFWant32BPPSession
	case 24:
		highColorDepth = HighColor24BPP
		supportedColorDepths = Support24BPP | Support16BPP
	case 15:
		highColorDepth = HighColor15BPP
		supportedColorDepths = Support15BPP | Support16BPP
	case 8:
		highColorDepth = HighColor8BPP
		supportedColorDepths = Support16BPP
	default:
		highColorDepth = HighColor16BPP
		supportedColorDepths = Support16BPP
	}

	data := ClientCoreData{
		Version:                rdpVersion10_7,
		DesktopWidth:           desktopWidth,
		DesktopHeight:          desktopHeight,
		ColorDepth:             0xCA01, // RNS_UD_COLOR_8BPP
		SASSequence:            0xAA03, // RNS_UD_SAS_DEL
		KeyboardLayout:         0x00000409,
		ClientBuild:            0xece,
		KeyboardType:           keyboardTypeIBM101or102Keys,
		KeyboardFunctionKey:    12,
		PostBeta2ColorDepth:    0xCA03, // RNS_UD_COLOR_16BPP_565
		ClientProductId:        0x0001,
		HighColorDepth:         highColorDepth,
		SupportedColorDepths:   supportedColorDepths,
		EarlyCapabilityFlags:   earlyCapabilityFlags,
		ServerSelectedProtocol: selectedProtocol,
		DesktopPhysicalWidth:   uint32(float64(desktopWidth) * 25.4 / 96.0),
		DesktopPhysicalHeight:  uint32(float64(desktopHeight) * 25.4 / 96.0),
		DesktopScaleFactor:     100,
		DeviceScaleFactor:      100,
	}

	name := codec.Encode(clientName)
	if len(name) > len(data.ClientName)-2 {
		name = name[:len(data.ClientName)-2]
	}

	copy(data.ClientName[:], name)

	return &data
}

// Name decodes the NUL-terminated client name.
func (d *ClientCoreData) Name() string {
	return codec.Decode(d.ClientName[:])
}

func (d *ClientCoreData) Serialize() []byte {
	body := new(bytes.Buffer)

	_ = binary.Write(body, binary.LittleEndian, d)

	buf := bytes.NewBuffer(make([]byte, 0, blockHeaderLen+body.Len()))
	writeBlockHeader(buf, BlockClientCore, body.Len())
	buf.Write(body.Bytes())

	return buf.Bytes()
}

// Deserialize reads the block body; every field after ImeFileName is optional.
func (d *ClientCoreData) Deserialize(body []byte) error {
	r := bytes.NewReader(body)

	mandatory := []any{
		&d.Version, &d.DesktopWidth, &d.DesktopHeight, &d.ColorDepth, &d.SASSequence,
		&d.KeyboardLayout, &d.ClientBuild, &d.ClientName, &d.KeyboardType,
		&d.KeyboardSubType, &d.KeyboardFunctionKey, &d.ImeFileName,
	}

	for _, f := range mandatory {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("%w: client core: %v", ErrInvalidBlockLength, err)
		}
	}

	return readOptional(r,
		&d.PostBeta2ColorDepth, &d.ClientProductId, &d.SerialNumber, &d.HighColorDepth,
		&d.SupportedColorDepths, &d.EarlyCapabilityFlags, &d.ClientDigProductId,
		&d.ConnectionType, &d.Pad1octet, &d.ServerSelectedProtocol,
		&d.DesktopPhysicalWidth, &d.DesktopPhysicalHeight, &d.DesktopOrientation,
		&d.DesktopScaleFactor, &d.DeviceScaleFactor,
	)
}

// ClientSecurityData is TS_UD_CS_SEC (MS-RDPBCGR 2.2.1.3.3).
type ClientSecurityData struct {
	EncryptionMethods    uint32
	ExtEncryptionMethods uint32
}

func (d *ClientSecurityData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12))

	writeBlockHeader(buf, BlockClientSecurity, 8)
	_ = binary.Write(buf, binary.LittleEndian, d)

	return buf.Bytes()
}

func (d *ClientSecurityData) Deserialize(body []byte) error {
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, d); err != nil {
		return fmt.Errorf("%w: client security: %v", ErrInvalidBlockLength, err)
	}

	return nil
}

// ChannelDefinition is CHANNEL_DEF (MS-RDPBCGR 2.2.1.3.4.1).
type ChannelDefinition struct {
	Name    [8]byte // seven ANSI chars with null-termination char in the end
	Options uint32
}

func NewChannelDefinition(name string, options uint32) ChannelDefinition {
	def := ChannelDefinition{Options: options}
	copy(def.Name[:len(def.Name)-1], name)

	return def
}

// ChannelName returns the name up to the first NUL.
func (c ChannelDefinition) ChannelName() string {
	if i := bytes.IndexByte(c.Name[:], 0); i >= 0 {
		return string(c.Name[:i])
	}

	return string(c.Name[:])
}

// ClientNetworkData is TS_UD_CS_NET (MS-RDPBCGR 2.2.1.3.4).
type ClientNetworkData struct {
	Channels []ChannelDefinition
}

func (d *ClientNetworkData) Serialize() []byte {
	body := new(bytes.Buffer)

	_ = binary.Write(body, binary.LittleEndian, uint32(len(d.Channels))) // #nosec G115
	_ = binary.Write(body, binary.LittleEndian, d.Channels)

	buf := new(bytes.Buffer)
	writeBlockHeader(buf, BlockClientNetwork, body.Len())
	buf.Write(body.Bytes())

	return buf.Bytes()
}

// maxStaticChannels is CHANNEL_MAX_COUNT.
const maxStaticChannels = 31

func (d *ClientNetworkData) Deserialize(body []byte) error {
	r := bytes.NewReader(body)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: client network: %v", ErrInvalidBlockLength, err)
	}

	if count > maxStaticChannels {
		return fmt.Errorf("%w: %d static channels", ErrInvalidBlockLength, count)
	}

	d.Channels = make([]ChannelDefinition, count)
	if err := binary.Read(r, binary.LittleEndian, d.Channels); err != nil {
		return fmt.Errorf("%w: client network: %v", ErrInvalidBlockLength, err)
	}

	return nil
}

// ClientClusterData is TS_UD_CS_CLUSTER (MS-RDPBCGR 2.2.1.3.5).
type ClientClusterData struct {
	Flags               uint32
	RedirectedSessionID uint32
}

// NewClientClusterData advertises redirection version 5, optionally with a
// session to reconnect to.
func NewClientClusterData(redirectedSessionID uint32, valid bool) *ClientClusterData {
	d := &ClientClusterData{
		Flags: ClusterRedirectionSupported | clusterRedirectionVersion5,
	}

	if valid {
		d.Flags |= ClusterRedirectedSessionIDValid
		d.RedirectedSessionID = redirectedSessionID
	}

	return d
}

func (d *ClientClusterData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12))

	writeBlockHeader(buf, BlockClientCluster, 8)
	_ = binary.Write(buf, binary.LittleEndian, d)

	return buf.Bytes()
}

func (d *ClientClusterData) Deserialize(body []byte) error {
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, d); err != nil {
		return fmt.Errorf("%w: client cluster: %v", ErrInvalidBlockLength, err)
	}

	return nil
}

// flagsBlock is the single-field layout shared by the message channel and
// multitransport blocks.
type flagsBlock struct {
	Flags uint32
}

func (d *flagsBlock) serialize(t BlockType) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8))

	writeBlockHeader(buf, t, 4)
	_ = binary.Write(buf, binary.LittleEndian, d.Flags)

	return buf.Bytes()
}

func (d *flagsBlock) Deserialize(body []byte) error {
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &d.Flags); err != nil {
		return fmt.Errorf("%w: flags: %v", ErrInvalidBlockLength, err)
	}

	return nil
}

// ClientMessageChannelData is TS_UD_CS_MCS_MSGCHANNEL (MS-RDPBCGR 2.2.1.3.7).
type ClientMessageChannelData struct{ flagsBlock }

func (d *ClientMessageChannelData) Serialize() []byte {
	return d.serialize(BlockClientMessageChannel)
}

// ClientMultitransportChannelData is TS_UD_CS_MULTITRANSPORT (MS-RDPBCGR 2.2.1.3.8).
type ClientMultitransportChannelData struct{ flagsBlock }

func NewClientMultitransportChannelData(flags uint32) *ClientMultitransportChannelData {
	return &ClientMultitransportChannelData{flagsBlock{Flags: flags}}
}

func (d *ClientMultitransportChannelData) Serialize() []byte {
	return d.serialize(BlockClientMultitransport)
}

// ClientUserData aggregates the client GCC user data blocks.
type ClientUserData struct {
	Core           *ClientCoreData
	Security       *ClientSecurityData
	Network        *ClientNetworkData
	Cluster        *ClientClusterData
	MessageChannel *ClientMessageChannelData
	Multitransport *ClientMultitransportChannelData
}

func (ud *ClientUserData) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.Write(ud.Core.Serialize())

	if ud.Cluster != nil {
		buf.Write(ud.Cluster.Serialize())
	}

	buf.Write(ud.Security.Serialize())
	buf.Write(ud.Network.Serialize())

	if ud.MessageChannel != nil {
		buf.Write(ud.MessageChannel.Serialize())
	}

	if ud.Multitransport != nil {
		buf.Write(ud.Multitransport.Serialize())
	}

	return buf.Bytes()
}

// Deserialize parses client blocks; unknown blocks such as CS_MONITOR are skipped.
func (ud *ClientUserData) Deserialize(data []byte) error {
	err := forEachBlock(data, func(t BlockType, body []byte) error {
		switch t {
		case BlockClientCore:
			ud.Core = &ClientCoreData{}
			return ud.Core.Deserialize(body)
		case BlockClientSecurity:
			ud.Security = &ClientSecurityData{}
			return ud.Security.Deserialize(body)
		case BlockClientNetwork:
			ud.Network = &ClientNetworkData{}
			return ud.Network.Deserialize(body)
		case BlockClientCluster:
			ud.Cluster = &ClientClusterData{}
			return ud.Cluster.Deserialize(body)
		case BlockClientMessageChannel:
			ud.MessageChannel = &ClientMessageChannelData{}
			return ud.MessageChannel.Deserialize(body)
		case BlockClientMultitransport:
			ud.Multitransport = &ClientMultitransportChannelData{}
			return ud.Multitransport.Deserialize(body)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if ud.Core == nil {
		return fmt.Errorf("%w: CS_CORE", ErrMissingBlock)
	}

	return nil
}

// ServerCoreData is TS_UD_SC_CORE (MS-RDPBCGR 2.2.1.4.2).
type ServerCoreData struct {
	Version                  uint32
	ClientRequestedProtocols uint32
	EarlyCapabilityFlags     uint32
}

func NewServerCoreData(requestedProtocols, earlyCapabilityFlags uint32) *ServerCoreData {
	return &ServerCoreData{
		Version:                  rdpVersion5Plus,
		ClientRequestedProtocols: requestedProtocols,
		EarlyCapabilityFlags:     earlyCapabilityFlags,
	}
}

func (d *ServerCoreData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 16))

	writeBlockHeader(buf, BlockServerCore, 12)
	_ = binary.Write(buf, binary.LittleEndian, d)

	return buf.Bytes()
}

func (d *ServerCoreData) Deserialize(body []byte) error {
	r := bytes.NewReader(body)

	if err := binary.Read(r, binary.LittleEndian, &d.Version); err != nil {
		return fmt.Errorf("%w: server core: %v", ErrInvalidBlockLength, err)
	}

	return readOptional(r, &d.ClientRequestedProtocols, &d.EarlyCapabilityFlags)
}

// ServerSecurityData is TS_UD_SC_SEC1 (MS-RDPBCGR 2.2.1.4.3). The certificate
// is kept raw; internal/security parses it.
type ServerSecurityData struct {
	EncryptionMethod  uint32
	EncryptionLevel   uint32
	ServerRandom      []byte
	ServerCertificate []byte
}

func (d *ServerSecurityData) Serialize() []byte {
	body := new(bytes.Buffer)

	_ = binary.Write(body, binary.LittleEndian, d.EncryptionMethod)
	_ = binary.Write(body, binary.LittleEndian, d.EncryptionLevel)

	if d.EncryptionMethod != 0 || d.EncryptionLevel != 0 {
		_ = binary.Write(body, binary.LittleEndian, uint32(len(d.ServerRandom)))      // #nosec G115
		_ = binary.Write(body, binary.LittleEndian, uint32(len(d.ServerCertificate))) // #nosec G115
		body.Write(d.ServerRandom)
		body.Write(d.ServerCertificate)
	}

	buf := new(bytes.Buffer)
	writeBlockHeader(buf, BlockServerSecurity, body.Len())
	buf.Write(body.Bytes())

	return buf.Bytes()
}

func (d *ServerSecurityData) Deserialize(body []byte) error {
	r := bytes.NewReader(body)

	if err := binary.Read(r, binary.LittleEndian, &d.EncryptionMethod); err != nil {
		return fmt.Errorf("%w: server security: %v", ErrInvalidBlockLength, err)
	}

	if err := binary.Read(r, binary.LittleEndian, &d.EncryptionLevel); err != nil {
		return fmt.Errorf("%w: server security: %v", ErrInvalidBlockLength, err)
	}

	if d.EncryptionMethod == 0 && d.EncryptionLevel == 0 {
		return nil
	}

	var randomLen, certLen uint32

	if err := binary.Read(r, binary.LittleEndian, &randomLen); err != nil {
		return fmt.Errorf("%w: server security: %v", ErrInvalidBlockLength, err)
	}

	if err := binary.Read(r, binary.LittleEndian, &certLen); err != nil {
		return fmt.Errorf("%w: server security: %v", ErrInvalidBlockLength, err)
	}

	if int64(randomLen)+int64(certLen) > int64(r.Len()) {
		return fmt.Errorf("%w: random %d + certificate %d exceed %d", ErrInvalidBlockLength,
			randomLen, certLen, r.Len())
	}

	d.ServerRandom = make([]byte, randomLen)
	_, _ = io.ReadFull(r, d.ServerRandom)

	d.ServerCertificate = make([]byte, certLen)
	_, _ = io.ReadFull(r, d.ServerCertificate)

	return nil
}

// ServerNetworkData is TS_UD_SC_NET (MS-RDPBCGR 2.2.1.4.4).
type ServerNetworkData struct {
	MCSChannelID uint16
	ChannelIDs   []uint16
}

func (d *ServerNetworkData) Serialize() []byte {
	body := new(bytes.Buffer)

	_ = binary.Write(body, binary.LittleEndian, d.MCSChannelID)
	_ = binary.Write(body, binary.LittleEndian, uint16(len(d.ChannelIDs))) // #nosec G115
	_ = binary.Write(body, binary.LittleEndian, d.ChannelIDs)

	if len(d.ChannelIDs)%2 == 1 {
		body.Write([]byte{0, 0})
	}

	buf := new(bytes.Buffer)
	writeBlockHeader(buf, BlockServerNetwork, body.Len())
	buf.Write(body.Bytes())

	return buf.Bytes()
}

func (d *ServerNetworkData) Deserialize(body []byte) error {
	r := bytes.NewReader(body)

	var count uint16

	if err := binary.Read(r, binary.LittleEndian, &d.MCSChannelID); err != nil {
		return fmt.Errorf("%w: server network: %v", ErrInvalidBlockLength, err)
	}

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: server network: %v", ErrInvalidBlockLength, err)
	}

	d.ChannelIDs = make([]uint16, count)
	if err := binary.Read(r, binary.LittleEndian, d.ChannelIDs); err != nil {
		return fmt.Errorf("%w: server network: %v", ErrInvalidBlockLength, err)
	}

	return nil
}

// ServerMessageChannelData is TS_UD_SC_MCS_MSGCHANNEL (MS-RDPBCGR 2.2.1.4.5).
type ServerMessageChannelData struct {
	MCSChannelID uint16
}

func (d *ServerMessageChannelData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 6))

	writeBlockHeader(buf, BlockServerMessageChannel, 2)
	_ = binary.Write(buf, binary.LittleEndian, d.MCSChannelID)

	return buf.Bytes()
}

func (d *ServerMessageChannelData) Deserialize(body []byte) error {
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &d.MCSChannelID); err != nil {
		return fmt.Errorf("%w: server message channel: %v", ErrInvalidBlockLength, err)
	}

	return nil
}

// ServerMultitransportChannelData is TS_UD_SC_MULTITRANSPORT (MS-RDPBCGR 2.2.1.4.6).
type ServerMultitransportChannelData struct{ flagsBlock }

func NewServerMultitransportChannelData(flags uint32) *ServerMultitransportChannelData {
	return &ServerMultitransportChannelData{flagsBlock{Flags: flags}}
}

func (d *ServerMultitransportChannelData) Serialize() []byte {
	return d.serialize(BlockServerMultitransport)
}

// ServerUserData aggregates the server GCC user data blocks.
type ServerUserData struct {
	Core           *ServerCoreData
	Security       *ServerSecurityData
	Network        *ServerNetworkData
	MessageChannel *ServerMessageChannelData
	Multitransport *ServerMultitransportChannelData
}

func (ud *ServerUserData) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.Write(ud.Core.Serialize())
	buf.Write(ud.Network.Serialize())
	buf.Write(ud.Security.Serialize())

	if ud.MessageChannel != nil {
		buf.Write(ud.MessageChannel.Serialize())
	}

	if ud.Multitransport != nil {
		buf.Write(ud.Multitransport.Serialize())
	}

	return buf.Bytes()
}

func (ud *ServerUserData) Deserialize(data []byte) error {
	err := forEachBlock(data, func(t BlockType, body []byte) error {
		switch t {
		case BlockServerCore:
			ud.Core = &ServerCoreData{}
			return ud.Core.Deserialize(body)
		case BlockServerSecurity:
			ud.Security = &ServerSecurityData{}
			return ud.Security.Deserialize(body)
		case BlockServerNetwork:
			ud.Network = &ServerNetworkData{}
			return ud.Network.Deserialize(body)
		case BlockServerMessageChannel:
			ud.MessageChannel = &ServerMessageChannelData{}
			return ud.MessageChannel.Deserialize(body)
		case BlockServerMultitransport:
			ud.Multitransport = &ServerMultitransportChannelData{}
			return ud.Multitransport.Deserialize(body)
		}

		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case ud.Core == nil:
		return fmt.Errorf("%w: SC_CORE", ErrMissingBlock)
	case ud.Network == nil:
		return fmt.Errorf("%w: SC_NET", ErrMissingBlock)
	case ud.Security == nil:
		return fmt.Errorf("%w: SC_SECURITY", ErrMissingBlock)
	}

	return nil
}
