package connection

import "fmt"

// State is one phase of the connection sequence, in protocol order.
type State int

const (
	StateInitial State = iota
	StateNego
	StateNLA
	StateAAD
	StateMCSCreateRequest
	StateMCSCreateResponse
	StateMCSErectDomain
	StateMCSAttachUser
	StateMCSAttachUserConfirm
	StateMCSChannelJoinRequest
	StateMCSChannelJoinResponse
	StateRDPSecurityCommencement
	StateSecureSettingsExchange
	StateConnectTimeAutoDetectRequest
	StateConnectTimeAutoDetectResponse
	StateLicensing
	StateMultitransportBootstrappingRequest
	StateMultitransportBootstrappingResponse
	StateCapabilitiesExchangeDemandActive
	StateCapabilitiesExchangeMonitorLayout
	StateCapabilitiesExchangeConfirmActive
	StateFinalizationSync
	StateFinalizationCooperate
	StateFinalizationRequestControl
	StateFinalizationPersistentKeyList
	StateFinalizationFontList
	StateFinalizationClientSync
	StateFinalizationClientCooperate
	StateFinalizationClientGrantedControl
	StateFinalizationClientFontMap
	StateActive
)

var stateNames = [...]string{
	"INITIAL",
	"NEGO",
	"NLA",
	"AAD",
	"MCS_CREATE_REQUEST",
	"MCS_CREATE_RESPONSE",
	"MCS_ERECT_DOMAIN",
	"MCS_ATTACH_USER",
	"MCS_ATTACH_USER_CONFIRM",
	"MCS_CHANNEL_JOIN_REQUEST",
	"MCS_CHANNEL_JOIN_RESPONSE",
	"RDP_SECURITY_COMMENCEMENT",
	"SECURE_SETTINGS_EXCHANGE",
	"CONNECT_TIME_AUTO_DETECT_REQUEST",
	"CONNECT_TIME_AUTO_DETECT_RESPONSE",
	"LICENSING",
	"MULTITRANSPORT_BOOTSTRAPPING_REQUEST",
	"MULTITRANSPORT_BOOTSTRAPPING_RESPONSE",
	"CAPABILITIES_EXCHANGE_DEMAND_ACTIVE",
	"CAPABILITIES_EXCHANGE_MONITOR_LAYOUT",
	"CAPABILITIES_EXCHANGE_CONFIRM_ACTIVE",
	"FINALIZATION_SYNC",
	"FINALIZATION_COOPERATE",
	"FINALIZATION_REQUEST_CONTROL",
	"FINALIZATION_PERSISTENT_KEY_LIST",
	"FINALIZATION_FONT_LIST",
	"FINALIZATION_CLIENT_SYNC",
	"FINALIZATION_CLIENT_COOPERATE",
	"FINALIZATION_CLIENT_GRANTED_CONTROL",
	"FINALIZATION_CLIENT_FONT_MAP",
	"ACTIVE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("STATE(%d)", int(s))
}

func (s State) isFinalization() bool {
	return s >= StateFinalizationSync && s <= StateFinalizationClientFontMap
}

// Role decides the receive dispatcher and the meaning of active.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}

	return "client"
}

// activeIn reports membership of the role's active set. A client counts as
// active once its own finalization starts, a server once it has accepted
// Confirm Active and sent its Synchronize.
func activeIn(role Role, s State) bool {
	if role == RoleServer {
		return s >= StateFinalizationClientSync && s <= StateActive
	}

	return s >= StateFinalizationSync && s <= StateActive
}
