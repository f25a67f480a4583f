package connection

// transitions lists the forward edges of both roles. The same state and
// StateInitial are always accepted and are not repeated here.
var transitions = map[State][]State{
	StateInitial:                             {StateNego},
	StateNego:                                {StateNLA, StateAAD, StateMCSCreateRequest},
	StateNLA:                                 {StateAAD, StateMCSCreateRequest},
	StateAAD:                                 {StateMCSCreateRequest},
	StateMCSCreateRequest:                    {StateMCSCreateResponse},
	StateMCSCreateResponse:                   {StateMCSErectDomain},
	StateMCSErectDomain:                      {StateMCSAttachUser},
	StateMCSAttachUser:                       {StateMCSAttachUserConfirm},
	StateMCSAttachUserConfirm:                {StateMCSChannelJoinRequest, StateRDPSecurityCommencement},
	StateMCSChannelJoinRequest:               {StateMCSChannelJoinResponse, StateRDPSecurityCommencement},
	StateMCSChannelJoinResponse:              {StateMCSChannelJoinRequest, StateRDPSecurityCommencement},
	StateRDPSecurityCommencement:             {StateSecureSettingsExchange},
	StateSecureSettingsExchange:              {StateConnectTimeAutoDetectRequest, StateLicensing},
	StateConnectTimeAutoDetectRequest:        {StateConnectTimeAutoDetectResponse, StateLicensing},
	StateConnectTimeAutoDetectResponse:       {StateConnectTimeAutoDetectRequest, StateLicensing},
	StateLicensing:                           {StateMultitransportBootstrappingRequest, StateCapabilitiesExchangeDemandActive},
	StateMultitransportBootstrappingRequest:  {StateMultitransportBootstrappingResponse, StateCapabilitiesExchangeDemandActive},
	StateMultitransportBootstrappingResponse: {StateCapabilitiesExchangeDemandActive},
	StateCapabilitiesExchangeDemandActive:    {StateCapabilitiesExchangeMonitorLayout, StateCapabilitiesExchangeConfirmActive},
	StateCapabilitiesExchangeMonitorLayout:   {StateCapabilitiesExchangeConfirmActive},
	StateCapabilitiesExchangeConfirmActive:   {StateFinalizationSync, StateFinalizationClientSync},
	StateFinalizationSync:                    {StateFinalizationCooperate},
	StateFinalizationCooperate:               {StateFinalizationRequestControl},
	StateFinalizationRequestControl:          {StateFinalizationPersistentKeyList, StateFinalizationFontList},
	StateFinalizationPersistentKeyList:       {StateFinalizationFontList},
	StateFinalizationFontList:                {StateFinalizationClientSync},
	StateFinalizationClientSync:              {StateFinalizationClientCooperate},
	StateFinalizationClientCooperate:         {StateFinalizationClientGrantedControl},
	StateFinalizationClientGrantedControl:    {StateFinalizationClientFontMap},
	StateFinalizationClientFontMap:           {StateActive},
	StateActive:                              nil,
}

// legalTransition checks one edge. reactivating opens the way back from
// capability exchange, finalization or Active to Demand Active.
func legalTransition(from, to State, reactivating bool) bool {
	if from == to || to == StateInitial {
		return true
	}

	if reactivating && to == StateCapabilitiesExchangeDemandActive && from >= StateCapabilitiesExchangeConfirmActive {
		return true
	}

	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Transition moves the connection to next and runs the side effects of
// entering it. An illegal edge returns a *TransitionError and leaves the
// state unchanged.
func (c *Connection) Transition(next State) error {
	prev := c.state

	if !legalTransition(prev, next, c.deactivateReactivate) {
		return &TransitionError{From: prev, To: next}
	}

	c.state = next
	c.active.Store(activeIn(c.role, next))
	c.log = c.baseLog.With("state", next.String())

	if prev != next {
		if next.isFinalization() && c.update != nil {
			c.update.ResetState()
		}

		if next == StateCapabilitiesExchangeConfirmActive {
			c.bus.Publish(ActivatedEvent{Role: c.role, FirstActivation: !c.deactivateReactivate})
		}

		if next == StateActive {
			c.deactivateReactivate = false
		}

		c.log.Debug("RDP: state: %s -> %s", prev, next)
	}

	c.bus.Publish(StateChangeEvent{Role: c.role, State: next, Active: c.IsActive()})

	return nil
}
