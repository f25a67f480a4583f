package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	autoDetectTypeIDRequest  uint8 = 0x00
	autoDetectTypeIDResponse uint8 = 0x01
	autoDetectHeaderLen      uint8 = 0x06
)

// AutoDetectRequestType is the requestType field of the auto-detect
// request PDUs (MS-RDPBCGR 2.2.14.1).
type AutoDetectRequestType uint16

const (
	AutoDetectRTTContinuous          AutoDetectRequestType = 0x0001
	AutoDetectRTTConnectTime         AutoDetectRequestType = 0x1001
	AutoDetectBandwidthStartConnect  AutoDetectRequestType = 0x1014
	AutoDetectBandwidthStartContinue AutoDetectRequestType = 0x0014
	AutoDetectBandwidthPayload       AutoDetectRequestType = 0x0002
	AutoDetectBandwidthStopConnect   AutoDetectRequestType = 0x002B
	AutoDetectBandwidthStopContinue  AutoDetectRequestType = 0x0429
	AutoDetectNetCharBandwidthRTT    AutoDetectRequestType = 0x0840
	AutoDetectNetCharBaseRTT         AutoDetectRequestType = 0x0880
	AutoDetectNetCharAll             AutoDetectRequestType = 0x08C0
)

// AutoDetectResponseType is the responseType field (MS-RDPBCGR 2.2.14.2).
type AutoDetectResponseType uint16

const (
	AutoDetectResponseRTT               AutoDetectResponseType = 0x0000
	AutoDetectResponseBandwidthConnect  AutoDetectResponseType = 0x0003
	AutoDetectResponseBandwidthContinue AutoDetectResponseType = 0x000B
	AutoDetectResponseNetCharSync       AutoDetectResponseType = 0x0018
)

// NetworkCharacteristics is the content of a Network Characteristics Result.
type NetworkCharacteristics struct {
	BaseRTT    uint32
	Bandwidth  uint32
	AverageRTT uint32
}

// AutoDetectRequest is one server-to-client auto-detect request.
type AutoDetectRequest struct {
	SequenceNumber  uint16
	RequestType     AutoDetectRequestType
	Payload         []byte
	Characteristics NetworkCharacteristics
}

// IsConnectTime reports whether the request belongs to the connect-time
// detection phase rather than continuous detection.
func (r *AutoDetectRequest) IsConnectTime() bool {
	switch r.RequestType {
	case AutoDetectRTTConnectTime, AutoDetectBandwidthStartConnect, AutoDetectBandwidthStopConnect,
		AutoDetectNetCharBandwidthRTT, AutoDetectNetCharBaseRTT, AutoDetectNetCharAll:
		return true
	}

	return false
}

func (r *AutoDetectRequest) carriesPayload() bool {
	return r.RequestType == AutoDetectBandwidthPayload || r.RequestType == AutoDetectBandwidthStopConnect
}

func (r *AutoDetectRequest) body() []byte {
	buf := new(bytes.Buffer)

	switch r.RequestType {
	case AutoDetectBandwidthPayload, AutoDetectBandwidthStopConnect:
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(r.Payload))) // #nosec G115
		buf.Write(r.Payload)
	case AutoDetectNetCharBandwidthRTT:
		_ = binary.Write(buf, binary.LittleEndian, r.Characteristics.Bandwidth)
		_ = binary.Write(buf, binary.LittleEndian, r.Characteristics.AverageRTT)
	case AutoDetectNetCharBaseRTT:
		_ = binary.Write(buf, binary.LittleEndian, r.Characteristics.BaseRTT)
		_ = binary.Write(buf, binary.LittleEndian, r.Characteristics.AverageRTT)
	case AutoDetectNetCharAll:
		_ = binary.Write(buf, binary.LittleEndian, r.Characteristics)
	}

	return buf.Bytes()
}

func (r *AutoDetectRequest) Serialize() []byte {
	body := r.body()

	// headerLength covers the fixed fields only, not the bandwidth payload
	fixed := len(body)
	if r.carriesPayload() {
		fixed -= len(r.Payload)
	}

	headerLen := autoDetectHeaderLen + uint8(fixed) // #nosec G115

	buf := bytes.NewBuffer(make([]byte, 0, int(autoDetectHeaderLen)+len(body)))
	buf.WriteByte(headerLen)
	buf.WriteByte(autoDetectTypeIDRequest)
	_ = binary.Write(buf, binary.LittleEndian, r.SequenceNumber)
	_ = binary.Write(buf, binary.LittleEndian, uint16(r.RequestType))
	buf.Write(body)

	return buf.Bytes()
}

func readAutoDetectHeader(wire io.Reader, typeID uint8) (uint8, uint16, uint16, error) {
	var header struct {
		Length   uint8
		TypeID   uint8
		Sequence uint16
		Type     uint16
	}

	if err := binary.Read(wire, binary.LittleEndian, &header); err != nil {
		return 0, 0, 0, err
	}

	if header.TypeID != typeID {
		return 0, 0, 0, fmt.Errorf("%w: auto-detect type id 0x%02x", ErrUnexpectedType, header.TypeID)
	}

	if header.Length < autoDetectHeaderLen {
		return 0, 0, 0, fmt.Errorf("%w: auto-detect header length %d", ErrInvalidLength, header.Length)
	}

	return header.Length, header.Sequence, header.Type, nil
}

func readUint32s(wire io.Reader, values ...*uint32) error {
	for _, v := range values {
		if err := binary.Read(wire, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	return nil
}

func (r *AutoDetectRequest) Deserialize(wire io.Reader) error {
	_, seq, typ, err := readAutoDetectHeader(wire, autoDetectTypeIDRequest)
	if err != nil {
		return err
	}

	r.SequenceNumber = seq
	r.RequestType = AutoDetectRequestType(typ)

	switch r.RequestType {
	case AutoDetectBandwidthPayload, AutoDetectBandwidthStopConnect:
		var n uint16
		if err := binary.Read(wire, binary.LittleEndian, &n); err != nil {
			return err
		}

		r.Payload = make([]byte, n)
		_, err = io.ReadFull(wire, r.Payload)

		return err
	case AutoDetectNetCharBandwidthRTT:
		return readUint32s(wire, &r.Characteristics.Bandwidth, &r.Characteristics.AverageRTT)
	case AutoDetectNetCharBaseRTT:
		return readUint32s(wire, &r.Characteristics.BaseRTT, &r.Characteristics.AverageRTT)
	case AutoDetectNetCharAll:
		return binary.Read(wire, binary.LittleEndian, &r.Characteristics)
	}

	return nil
}

// AutoDetectResponse is one client-to-server auto-detect response.
type AutoDetectResponse struct {
	SequenceNumber uint16
	ResponseType   AutoDetectResponseType
	TimeDelta      uint32
	ByteCount      uint32
}

// NewRTTResponse answers an RTT request.
func NewRTTResponse(seq uint16) *AutoDetectResponse {
	return &AutoDetectResponse{SequenceNumber: seq, ResponseType: AutoDetectResponseRTT}
}

// NewBandwidthResult answers a bandwidth stop request.
func NewBandwidthResult(seq uint16, timeDelta, byteCount uint32, connectTime bool) *AutoDetectResponse {
	typ := AutoDetectResponseBandwidthContinue
	if connectTime {
		typ = AutoDetectResponseBandwidthConnect
	}

	return &AutoDetectResponse{SequenceNumber: seq, ResponseType: typ, TimeDelta: timeDelta, ByteCount: byteCount}
}

func (r *AutoDetectResponse) hasResults() bool {
	return r.ResponseType == AutoDetectResponseBandwidthConnect || r.ResponseType == AutoDetectResponseBandwidthContinue ||
		r.ResponseType == AutoDetectResponseNetCharSync
}

func (r *AutoDetectResponse) Serialize() []byte {
	headerLen := autoDetectHeaderLen
	if r.hasResults() {
		headerLen += 8
	}

	buf := bytes.NewBuffer(make([]byte, 0, int(headerLen)))
	buf.WriteByte(headerLen)
	buf.WriteByte(autoDetectTypeIDResponse)
	_ = binary.Write(buf, binary.LittleEndian, r.SequenceNumber)
	_ = binary.Write(buf, binary.LittleEndian, uint16(r.ResponseType))

	if r.hasResults() {
		_ = binary.Write(buf, binary.LittleEndian, r.TimeDelta)
		_ = binary.Write(buf, binary.LittleEndian, r.ByteCount)
	}

	return buf.Bytes()
}

func (r *AutoDetectResponse) Deserialize(wire io.Reader) error {
	_, seq, typ, err := readAutoDetectHeader(wire, autoDetectTypeIDResponse)
	if err != nil {
		return err
	}

	r.SequenceNumber = seq
	r.ResponseType = AutoDetectResponseType(typ)

	if !r.hasResults() {
		return nil
	}

	if err := binary.Read(wire, binary.LittleEndian, &r.TimeDelta); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &r.ByteCount)
}
