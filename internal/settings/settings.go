// Package settings holds the configuration record of one RDP connection.
// Everything is read-only during a connection attempt except the
// Negotiated sub-struct and the redirection target fields.
package settings

import (
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
)

// ChannelJoinMode decides what a channel join confirm for an unexpected
// channel does.
type ChannelJoinMode int

const (
	// ChannelJoinStrict fails the connection.
	ChannelJoinStrict ChannelJoinMode = iota
	// ChannelJoinLenient logs a warning and marks the expected channel joined.
	ChannelJoinLenient
)

func (m ChannelJoinMode) String() string {
	if m == ChannelJoinLenient {
		return "lenient"
	}

	return "strict"
}

func ParseChannelJoinMode(s string) (ChannelJoinMode, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return ChannelJoinStrict, nil
	case "lenient":
		return ChannelJoinLenient, nil
	}

	return ChannelJoinStrict, fmt.Errorf("unknown channel join mode %q", s)
}

// Redirection target preference bits. RedirectionPreferType packs three
// rounds of three bits, lowest round first.
const (
	PreferFQDN    uint32 = 0x1
	PreferAddress uint32 = 0x2
	PreferNetBIOS uint32 = 0x4

	DefaultRedirectionPreferType = PreferFQDN | PreferAddress<<3 | PreferNetBIOS<<6
)

// Channel is a static virtual channel requested in CS_NET.
type Channel struct {
	Name    string
	Options uint32
}

type Settings struct {
	ServerHostname string
	ServerPort     int
	Username       string
	Domain         string
	Password       string
	ClientHostname string

	DesktopWidth  uint16
	DesktopHeight uint16
	ColorDepth    int

	GatewayEnabled      bool
	GatewayArmTransport bool

	RdpSecurity    bool
	TlsSecurity    bool
	NlaSecurity    bool
	ExtSecurity    bool
	RdstlsSecurity bool
	AadSecurity    bool
	FIPSMode       bool

	// EncryptionLevel is the server's configured level. EncryptionMethods
	// is what a client offers or a server accepts.
	EncryptionLevel   security.EncryptionLevel
	EncryptionMethods security.EncryptionMethod

	TLSServerName string
	TLSSkipVerify bool
	TLSConfig     *tls.Config

	// ServerPrivateKey decrypts the client random under Standard RDP Security.
	ServerPrivateKey *rsa.PrivateKey

	LoadBalanceInfo  []byte
	CookieMaxLength  int
	MstscCookieMode  bool
	AutoLogonEnabled bool

	ChannelJoinMode           ChannelJoinMode
	StaticChannels            []Channel
	SupportSkipChannelJoin    bool
	BitmapCachePersistEnabled bool
	SupportMonitorLayoutPdu   bool
	SupportHeartbeatPdu       bool
	NetworkAutoDetect         bool
	MultitransportFlags       uint32

	TcpConnectTimeout time.Duration
	TcpAckTimeout     time.Duration
	ActivationTimeout time.Duration
	PollInterval      time.Duration

	RedirectedSessionID          uint32
	RedirectionFlags             pdu.RedirectionFlag
	RedirectionPreferType        uint32
	RedirectionPassword          []byte
	RedirectionTargetFQDN        string
	RedirectionTargetNetBIOSName string
	RedirectionTargetAddress     string
	RedirectionGUID              []byte
	RedirectionTargetCertificate []byte

	Negotiated Negotiated
}

// Default returns a client configuration for Standard RDP Security or TLS
// at 1024x768.
func Default() *Settings {
	return &Settings{
		ServerPort:            3389,
		ClientHostname:        "rdpconnect",
		DesktopWidth:          1024,
		DesktopHeight:         768,
		ColorDepth:            16,
		RdpSecurity:           true,
		TlsSecurity:           true,
		EncryptionLevel:       security.EncryptionLevelClientCompatible,
		EncryptionMethods:     security.EncryptionMethod40Bit | security.EncryptionMethod56Bit | security.EncryptionMethod128Bit,
		ChannelJoinMode:       ChannelJoinStrict,
		TcpConnectTimeout:     5 * time.Second,
		TcpAckTimeout:         10 * time.Second,
		ActivationTimeout:     15 * time.Second,
		PollInterval:          100 * time.Millisecond,
		RedirectionPreferType: DefaultRedirectionPreferType,
	}
}

// SecurityLabel names the configured security toggles for log lines.
func (s *Settings) SecurityLabel() string {
	var names []string

	for _, opt := range []struct {
		on   bool
		name string
	}{
		{s.RdpSecurity, "rdp"}, {s.TlsSecurity, "tls"}, {s.NlaSecurity, "nla"},
		{s.ExtSecurity, "ext"}, {s.RdstlsSecurity, "rdstls"}, {s.AadSecurity, "aad"},
	} {
		if opt.on {
			names = append(names, opt.name)
		}
	}

	if s.FIPSMode {
		names = append(names, "fips")
	}

	return strings.Join(names, ",")
}

// ChannelNames lists the static channels in roster order.
func (s *Settings) ChannelNames() []string {
	names := make([]string, len(s.StaticChannels))
	for i, c := range s.StaticChannels {
		names[i] = c.Name
	}

	return names
}

// Clone returns a copy for another connection, with fresh negotiated
// parameters and its own slices.
func (s *Settings) Clone() *Settings {
	c := *s

	c.StaticChannels = append([]Channel(nil), s.StaticChannels...)
	c.LoadBalanceInfo = append([]byte(nil), s.LoadBalanceInfo...)
	c.RedirectionPassword = append([]byte(nil), s.RedirectionPassword...)
	c.RedirectionGUID = append([]byte(nil), s.RedirectionGUID...)
	c.RedirectionTargetCertificate = append([]byte(nil), s.RedirectionTargetCertificate...)
	c.Negotiated = Negotiated{}

	return &c
}
