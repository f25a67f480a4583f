package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

func TestLegalTransition(t *testing.T) {
	tests := []struct {
		name         string
		from, to     State
		reactivating bool
		want         bool
	}{
		{"initial to nego", StateInitial, StateNego, false, true},
		{"initial to active", StateInitial, StateActive, false, false},
		{"same state", StateLicensing, StateLicensing, false, true},
		{"back to initial", StateFinalizationFontList, StateInitial, false, true},
		{"nego to mcs", StateNego, StateMCSCreateRequest, false, true},
		{"skip channel join", StateMCSAttachUserConfirm, StateRDPSecurityCommencement, false, true},
		{"licensing to demand active", StateLicensing, StateCapabilitiesExchangeDemandActive, false, true},
		{"persistent key list", StateFinalizationRequestControl, StateFinalizationPersistentKeyList, false, true},
		{"server confirm to client sync", StateCapabilitiesExchangeConfirmActive, StateFinalizationClientSync, false, true},
		{"client sync straight to active", StateFinalizationClientSync, StateActive, false, false},
		{"no going backwards", StateFinalizationCooperate, StateFinalizationSync, false, false},
		{"active to demand active", StateActive, StateCapabilitiesExchangeDemandActive, false, false},
		{"reactivation from active", StateActive, StateCapabilitiesExchangeDemandActive, true, true},
		{"reactivation before confirm", StateLicensing, StateCapabilitiesExchangeDemandActive, true, true},
		{"reactivation from mcs", StateMCSAttachUser, StateCapabilitiesExchangeDemandActive, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, legalTransition(tt.from, tt.to, tt.reactivating))
		})
	}
}

func TestTransition(t *testing.T) {
	c := New(RoleClient, testSettings(), WithLogger(quietLogger()))

	var events []StateChangeEvent
	unsubscribe := c.Bus().Subscribe(func(e Event) {
		if sc, ok := e.(StateChangeEvent); ok {
			events = append(events, sc)
		}
	})
	defer unsubscribe()

	err := c.Transition(StateActive)

	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, StateInitial, transitionErr.From)
	assert.Equal(t, StateInitial, c.State())
	assert.Empty(t, events)

	require.NoError(t, c.Transition(StateNego))
	require.NoError(t, c.Transition(StateNego))

	require.Len(t, events, 2, "a transition to the same state still publishes")
	assert.Equal(t, StateNego, events[1].State)
}

func TestActiveIn(t *testing.T) {
	tests := []struct {
		state  State
		client bool
		server bool
	}{
		{StateCapabilitiesExchangeConfirmActive, false, false},
		{StateFinalizationSync, true, false},
		{StateFinalizationFontList, true, false},
		{StateFinalizationClientSync, true, true},
		{StateActive, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.client, activeIn(RoleClient, tt.state))
			assert.Equal(t, tt.server, activeIn(RoleServer, tt.state))
		})
	}
}

func TestRoster(t *testing.T) {
	r := newRoster([]settings.Channel{{Name: "cliprdr"}, {Name: "rdpsnd"}})
	r.UserID, r.GlobalID, r.MessageID = 1007, 1003, 1006
	r.Channels[0].ID, r.Channels[1].ID = 1004, 1005

	assert.Equal(t, []uint16{1007, 1003, 1006, 1004, 1005}, r.Order())

	next, pending := r.Next()
	require.True(t, pending)
	assert.Equal(t, uint16(1007), next)

	require.NoError(t, r.MarkJoined(1004))
	require.ErrorIs(t, r.MarkJoined(1004), ErrProtocolSequence)
	require.ErrorIs(t, r.MarkJoined(2000), ErrProtocolSequence)

	ch, ok := r.Lookup(1004)
	require.True(t, ok)
	assert.True(t, ch.Joined)
	assert.Equal(t, "cliprdr", ch.Name)

	r.JoinAll()
	assert.True(t, r.Complete())
	assert.True(t, r.Joined(1006))
}

// joinClient is a client parked in attach-user confirm with one static
// channel, negotiated for TLS.
func joinClient(t *testing.T, mode settings.ChannelJoinMode, confirms ...uint16) (*Connection, *fakeMCS) {
	t.Helper()

	s := testSettings()
	s.ChannelJoinMode = mode
	s.StaticChannels = []settings.Channel{{Name: "cliprdr", Options: 0xC0A00000}}

	m := &fakeMCS{userID: 1005, confirms: confirms}

	c := New(RoleClient, s, WithLogger(quietLogger()))
	c.mcs = m
	require.NoError(t, s.Negotiated.SetSelectedProtocol(pdu.NegotiationProtocolSSL))

	c.roster.GlobalID = 1003
	c.roster.Channels[0].ID = 1004
	c.state = StateMCSAttachUserConfirm

	require.NoError(t, c.recvAttachUserConfirm(nil))

	return c, m
}

func TestChannelJoin(t *testing.T) {
	t.Run("in order", func(t *testing.T) {
		c, m := joinClient(t, settings.ChannelJoinStrict, 1005, 1003, 1004)

		for range 3 {
			require.NoError(t, c.recvChannelJoinConfirm(nil))
		}

		assert.Equal(t, []uint16{1005, 1003, 1004}, m.joins)
		assert.True(t, c.Roster().Complete())
		assert.Equal(t, StateConnectTimeAutoDetectRequest, c.State())
		assert.True(t, c.Settings().Negotiated.Sealed())

		require.Len(t, m.sent, 1)
		assert.Equal(t, uint16(1003), m.sent[0].channelID)

		flags := pdu.SecurityFlag(binary.LittleEndian.Uint16(m.sent[0].data))
		assert.True(t, flags.Has(pdu.SecurityFlagInfoPkt))
		assert.False(t, flags.Has(pdu.SecurityFlagEncrypt))
	})

	t.Run("strict rejects a mismatched confirm", func(t *testing.T) {
		c, _ := joinClient(t, settings.ChannelJoinStrict, 1003)

		require.ErrorIs(t, c.recvChannelJoinConfirm(nil), ErrProtocolSequence)
		assert.False(t, c.Roster().Joined(1005))
	})

	t.Run("lenient accepts a mismatched confirm", func(t *testing.T) {
		c, m := joinClient(t, settings.ChannelJoinLenient, 1003, 1003, 1004)

		require.NoError(t, c.recvChannelJoinConfirm(nil))
		assert.True(t, c.Roster().Joined(1005))
		assert.Equal(t, []uint16{1005, 1003}, m.joins)
	})

	t.Run("duplicate confirm", func(t *testing.T) {
		c, _ := joinClient(t, settings.ChannelJoinLenient, 1005, 1005)

		require.NoError(t, c.recvChannelJoinConfirm(nil))
		require.NoError(t, c.recvChannelJoinConfirm(nil), "lenient mode charges the pending channel")
		assert.True(t, c.Roster().Joined(1003))
	})
}

func TestConnect_Preconditions(t *testing.T) {
	t.Run("missing hostname", func(t *testing.T) {
		s := testSettings()
		s.ServerHostname = ""

		c := New(RoleClient, s, WithLogger(quietLogger()))

		var attempts []AttemptEvent
		c.Bus().Subscribe(func(e Event) {
			if a, ok := e.(AttemptEvent); ok {
				attempts = append(attempts, a)
			}
		})

		err := c.Connect(context.Background())
		require.ErrorIs(t, err, ErrMissingHostname)
		require.ErrorIs(t, c.LastError(), ErrMissingHostname)
		require.Len(t, attempts, 1)
		assert.ErrorIs(t, attempts[0].Err, ErrMissingHostname)
		assert.Equal(t, "config", Reason(err))
	})

	t.Run("aborted", func(t *testing.T) {
		c := New(RoleClient, testSettings(), WithLogger(quietLogger()))
		c.Abort()

		require.ErrorIs(t, c.Connect(context.Background()), ErrCanceled)
	})

	t.Run("server role", func(t *testing.T) {
		c := New(RoleServer, testSettings(), WithLogger(quietLogger()))

		require.ErrorIs(t, c.Connect(context.Background()), ErrWrongRole)
		require.ErrorIs(t, c.Reactivate(), ErrProtocolSequence)
	})

	t.Run("accept without transport", func(t *testing.T) {
		c := New(RoleServer, testSettings(), WithLogger(quietLogger()))

		require.ErrorIs(t, c.Accept(context.Background()), ErrNotConnected)
	})
}

func TestConnect_WaitLoop(t *testing.T) {
	t.Run("context canceled", func(t *testing.T) {
		n := &fakeNego{selected: pdu.NegotiationProtocolSSL}
		c := New(RoleClient, testSettings(), fakeStack(n, &fakeMCS{})...)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := c.Connect(ctx)
		require.ErrorIs(t, err, ErrCanceled)
		assert.True(t, c.Aborted())
		assert.Equal(t, StateMCSCreateResponse, c.State())
		assert.Equal(t, "alice", n.cookie)
		assert.True(t, n.options.TLS)
	})

	t.Run("activation timeout", func(t *testing.T) {
		s := testSettings()
		s.ActivationTimeout = 20 * time.Millisecond

		c := New(RoleClient, s, fakeStack(&fakeNego{selected: pdu.NegotiationProtocolSSL}, &fakeMCS{})...)

		err := c.Connect(context.Background())
		require.ErrorIs(t, err, ErrActivationTimeout)
		assert.Equal(t, "timeout", Reason(err))
	})

	t.Run("abort keeps canceled as last error", func(t *testing.T) {
		c := New(RoleClient, testSettings(), fakeStack(&fakeNego{selected: pdu.NegotiationProtocolSSL}, &fakeMCS{})...)

		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Abort()
		}()

		require.ErrorIs(t, c.Connect(context.Background()), ErrCanceled)
		require.ErrorIs(t, c.LastError(), ErrCanceled)
	})

	t.Run("negotiation failure", func(t *testing.T) {
		n := &fakeNego{
			selected: pdu.NegotiationProtocolFailedNego | pdu.NegotiationProtocol(pdu.NegotiationFailureCodeHybridRequired),
			err:      errors.New("negotiation failed"),
		}
		c := New(RoleClient, testSettings(), fakeStack(n, &fakeMCS{})...)

		err := c.Connect(context.Background())

		var negErr *NegotiationError
		require.ErrorAs(t, err, &negErr)
		assert.Equal(t, pdu.NegotiationFailureCodeHybridRequired, negErr.Code)
		assert.Equal(t, "negotiation", Reason(err))
	})

	t.Run("routing token from load balance info", func(t *testing.T) {
		s := testSettings()
		s.LoadBalanceInfo = []byte("Cookie: msts=42")
		s.ActivationTimeout = time.Millisecond

		n := &fakeNego{selected: pdu.NegotiationProtocolSSL}
		c := New(RoleClient, s, fakeStack(n, &fakeMCS{})...)

		require.Error(t, c.Connect(context.Background()))
		assert.Equal(t, "Cookie: msts=42", n.token)
		assert.Empty(t, n.cookie)
	})
}

func TestConnect_Span(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	s := testSettings()
	s.ServerHostname = ""

	c := New(RoleClient, s, WithLogger(quietLogger()), WithTracerProvider(provider))
	require.Error(t, c.Connect(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "connection.Connect", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestDisconnect(t *testing.T) {
	m := &fakeMCS{}
	tr := &fakeTransport{}

	c := New(RoleClient, testSettings(), WithLogger(quietLogger()))
	c.transport, c.mcs = tr, m
	c.state = StateActive

	require.NoError(t, c.Disconnect())
	assert.True(t, m.ultimatum)
	assert.True(t, tr.closed)
	assert.Equal(t, StateInitial, c.State())
	assert.False(t, c.IsActive())
	require.ErrorIs(t, c.CheckFds(), ErrNotConnected)
}

func TestRedirectTarget(t *testing.T) {
	const (
		fqdn    = "host.example.test"
		address = "10.0.0.7"
		netbios = "HOST"
	)

	all := pdu.RedirTargetFQDN | pdu.RedirTargetNetAddress | pdu.RedirTargetNetBiosName
	names := pdu.RedirTargetFQDN | pdu.RedirTargetNetBiosName

	tests := []struct {
		name     string
		flags    pdu.RedirectionFlag
		prefer   uint32
		gateway  bool
		resolves []string
		lookups  []string
		want     string
		ok       bool
	}{
		{"fqdn resolves", all, settings.DefaultRedirectionPreferType, false, []string{fqdn}, []string{fqdn}, fqdn, true},
		{"fqdn unresolvable falls back to address", all, settings.DefaultRedirectionPreferType, false, nil, []string{fqdn}, address, true},
		{"address first", all, settings.PreferAddress | settings.PreferFQDN<<3, false, []string{fqdn}, nil, address, true},
		{"netbios in the second round", names, settings.PreferFQDN | settings.PreferNetBIOS<<3, false, []string{netbios}, []string{fqdn, netbios}, netbios, true},
		{"default order reaches netbios", names, settings.DefaultRedirectionPreferType, false, []string{netbios}, []string{fqdn, netbios}, netbios, true},
		{"zero preference uses the default order", names, 0, false, []string{netbios}, []string{fqdn, netbios}, netbios, true},
		{"nothing resolves", names, settings.DefaultRedirectionPreferType, false, nil, []string{fqdn, netbios}, "", false},
		{"netbios through a gateway", pdu.RedirTargetNetBiosName, settings.DefaultRedirectionPreferType, true, nil, nil, netbios, true},
		{"netbios unresolvable", pdu.RedirTargetNetBiosName, settings.DefaultRedirectionPreferType, false, nil, []string{netbios}, "", false},
		{"no target flags", 0, settings.DefaultRedirectionPreferType, false, []string{fqdn, netbios}, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			s.RedirectionFlags = tt.flags
			s.RedirectionPreferType = tt.prefer
			s.GatewayEnabled = tt.gateway
			s.RedirectionTargetFQDN = fqdn
			s.RedirectionTargetAddress = address
			s.RedirectionTargetNetBIOSName = netbios

			resolver := &fakeResolver{hosts: tt.resolves}

			c := New(RoleClient, s, WithLogger(quietLogger()), WithResolver(resolver))

			got, ok := c.redirectTarget(context.Background())
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.lookups, resolver.lookups)
		})
	}
}

func TestApplyRedirection(t *testing.T) {
	t.Run("credentials and target", func(t *testing.T) {
		s := testSettings()
		c := New(RoleClient, s, WithLogger(quietLogger()), WithResolver(&fakeResolver{}))

		c.applyRedirection(context.Background(), &pdu.ServerRedirection{
			SessionID:        9,
			Flags:            pdu.RedirTargetNetAddress | pdu.RedirLoadBalanceInfo | pdu.RedirUsername | pdu.RedirPassword,
			TargetNetAddress: "10.0.0.8",
			LoadBalanceInfo:  []byte("tsv://MS Terminal Services Plugin.1.pool"),
			Username:         "bob",
			Password:         []byte{0x70, 0x00, 0x77, 0x00},
		})

		assert.Equal(t, "10.0.0.8", s.ServerHostname)
		assert.Equal(t, uint32(9), s.RedirectedSessionID)
		assert.Equal(t, "bob", s.Username)
		assert.Empty(t, s.Password)
		assert.Equal(t, []byte{0x70, 0x00, 0x77, 0x00}, s.RedirectionPassword)
		assert.NotEmpty(t, s.LoadBalanceInfo)
		assert.True(t, s.RdpSecurity, "security toggles are kept")
	})

	t.Run("pre-encrypted password forces rdstls", func(t *testing.T) {
		s := testSettings()
		c := New(RoleClient, s, WithLogger(quietLogger()))

		c.applyRedirection(context.Background(), &pdu.ServerRedirection{
			Flags: pdu.RedirPassword | pdu.RedirPasswordIsPKEncrypted | pdu.RedirNoRedirect,
		})

		assert.True(t, s.RdstlsSecurity)
		assert.False(t, s.RdpSecurity)
		assert.False(t, s.TlsSecurity)
		assert.False(t, s.NlaSecurity)
		assert.Equal(t, "rdp.example.test", s.ServerHostname, "no-redirect keeps the target")
	})
}

func TestRedirect_NothingPending(t *testing.T) {
	c := New(RoleClient, testSettings(), WithLogger(quietLogger()))

	require.ErrorIs(t, c.Redirect(context.Background()), ErrNoRedirection)
}

func TestUpdateEncryptionLevel(t *testing.T) {
	all := security.EncryptionMethodsAll

	tests := []struct {
		name       string
		level      security.EncryptionLevel
		fips       bool
		client     security.EncryptionMethod
		wantLevel  security.EncryptionLevel
		wantMethod security.EncryptionMethod
		err        error
	}{
		{"client compatible picks 128-bit", security.EncryptionLevelClientCompatible, false, all, security.EncryptionLevelClientCompatible, security.EncryptionMethod128Bit, nil},
		{"none becomes client compatible", security.EncryptionLevelNone, false, security.EncryptionMethod40Bit, security.EncryptionLevelClientCompatible, security.EncryptionMethod40Bit, nil},
		{"56-bit over 40-bit", security.EncryptionLevelLow, false, security.EncryptionMethod40Bit | security.EncryptionMethod56Bit, security.EncryptionLevelLow, security.EncryptionMethod56Bit, nil},
		{"high is kept with 128-bit", security.EncryptionLevelHigh, false, all, security.EncryptionLevelHigh, security.EncryptionMethod128Bit, nil},
		{"high lowered without 128-bit", security.EncryptionLevelHigh, false, security.EncryptionMethod40Bit, security.EncryptionLevelClientCompatible, security.EncryptionMethod40Bit, nil},
		{"fips mode", security.EncryptionLevelClientCompatible, true, all, security.EncryptionLevelFIPS, security.EncryptionMethodFIPS, nil},
		{"fips lowered to high", security.EncryptionLevelFIPS, false, security.EncryptionMethod128Bit, security.EncryptionLevelHigh, security.EncryptionMethod128Bit, nil},
		{"nothing in common", security.EncryptionLevelClientCompatible, false, security.EncryptionMethodNone, 0, 0, ErrNoEncryption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			s.EncryptionLevel = tt.level
			s.EncryptionMethods = all
			s.FIPSMode = tt.fips

			c := New(RoleServer, s, WithLogger(quietLogger()))

			err := c.UpdateEncryptionLevel(tt.client)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, s.Negotiated.EncryptionLevel())
			assert.Equal(t, tt.wantMethod, s.Negotiated.EncryptionMethod())
		})
	}
}

func TestLicense(t *testing.T) {
	tests := []struct {
		name    string
		msg     *pdu.LicensePDU
		want    LicenseState
		wantErr bool
	}{
		{"valid client", pdu.NewValidClientLicense(), LicenseCompleted, false},
		{"error alert", pdu.NewLicenseErrorAlert(0x08, 0x01), LicenseAborted, false},
		{"new license", &pdu.LicensePDU{Preamble: pdu.LicensingPreamble{MsgType: pdu.LicenseMsgNewLicense}, Body: []byte{1, 2}}, LicenseCompleted, false},
		{"license request", &pdu.LicensePDU{Preamble: pdu.LicensingPreamble{MsgType: pdu.LicenseMsgLicenseRequest}, Body: []byte{1}}, LicenseAborted, false},
		{"client message", &pdu.LicensePDU{Preamble: pdu.LicensingPreamble{MsgType: pdu.LicenseMsgType(0x12)}}, LicenseInProgress, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l License

			state, err := l.Recv(tt.msg.Serialize())
			if tt.wantErr {
				require.ErrorIs(t, err, ErrProtocolSequence)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.msg.Preamble.MsgType, l.LastMessage())
		})
	}
}

func TestIsShareControl(t *testing.T) {
	demand := pdu.NewDemandActive(0x103EA, pdu.ServerChannelID, []pdu.CapabilitySet{pdu.NewGeneralCapabilitySet()})

	assert.True(t, isShareControl(demand.Serialize()))
	assert.False(t, isShareControl([]byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x00}))
	assert.False(t, isShareControl([]byte{0x11}))
}
