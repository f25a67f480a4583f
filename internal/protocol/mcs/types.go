package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/rdpconnect/internal/protocol/encoding"
)

const (
	RTSuccessful uint8 = iota
	RTDomainMerging
	RTDomainNotHierarchical
	RTNoSuchChannel
	RTNoSuchDomain
	RTNoSuchUser
	RTNotAdmitted
	RTOtherUserId
	RTParametersUnacceptable
	RTTokenNotAvailable
	RTTokenNotPossessed
	RTTooManyChannels
	RTTooManyTokens
	RTTooManyUsers
	RTUnspecifiedFailure
	RTUserRejected
)

var resultNames = [...]string{
	"rt-successful", "rt-domain-merging", "rt-domain-not-hierarchical", "rt-no-such-channel",
	"rt-no-such-domain", "rt-no-such-user", "rt-not-admitted", "rt-other-user-id",
	"rt-parameters-unacceptable", "rt-token-not-available", "rt-token-not-possessed",
	"rt-too-many-channels", "rt-too-many-tokens", "rt-too-many-users",
	"rt-unspecified-failure", "rt-user-rejected",
}

// ResultString names a T.125 Result code.
func ResultString(result uint8) string {
	if int(result) < len(resultNames) {
		return resultNames[result]
	}

	return fmt.Sprintf("rt-unknown(%d)", result)
}

// Reasons carried by a Disconnect Provider Ultimatum.
const (
	RNDomainDisconnected uint8 = iota
	RNProviderInitiated
	RNTokenPurged
	RNUserRequested
	RNChannelPurged
)

var (
	clientTargetParameters  = domainParameters{34, 2, 0, 1, 0, 1, 0xffff, 2}
	clientMinimumParameters = domainParameters{1, 1, 1, 1, 0, 1, 0x420, 2}
	clientMaximumParameters = domainParameters{0xffff, 0xfc17, 0xffff, 1, 0, 1, 0xffff, 2}
	serverDomainParameters  = domainParameters{34, 3, 0, 1, 0, 1, 0xfff8, 2}
)

type domainParameters struct {
	maxChannelIds   int
	maxUserIds      int
	maxTokenIds     int
	numPriorities   int
	minThroughput   int
	maxHeight       int
	maxMCSPDUsize   int
	protocolVersion int
}

// fields lists the parameters in their DomainParameters SEQUENCE order.
func (params *domainParameters) fields() []*int {
	return []*int{
		&params.maxChannelIds,
		&params.maxUserIds,
		&params.maxTokenIds,
		&params.numPriorities,
		&params.minThroughput,
		&params.maxHeight,
		&params.maxMCSPDUsize,
		&params.protocolVersion,
	}
}

func (params *domainParameters) Serialize() []byte {
	buf := new(bytes.Buffer)

	for _, field := range params.fields() {
		encoding.BerWriteInteger(*field, buf)
	}

	return buf.Bytes()
}

func (params *domainParameters) Deserialize(wire io.Reader) error {
	for i, field := range params.fields() {
		v, err := encoding.BerReadInteger(wire)
		if err != nil {
			return fmt.Errorf("domain parameter %d: %w", i, err)
		}

		*field = v
	}

	return nil
}
