package connection

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

// autoDetector keeps the bandwidth measurement in progress and the last
// network characteristics the server reported.
type autoDetector struct {
	characteristics pdu.NetworkCharacteristics
	bandwidthStart  time.Time
	bandwidthBytes  uint32
	requests        int
}

// handleAutoDetect answers one auto-detect request received on channelID.
func (c *Connection) handleAutoDetect(channelID uint16, body []byte) error {
	var req pdu.AutoDetectRequest
	if err := req.Deserialize(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("auto-detect request: %w", err)
	}

	connectTime := c.state == StateConnectTimeAutoDetectRequest || c.state == StateConnectTimeAutoDetectResponse
	if connectTime && req.IsConnectTime() {
		if err := c.Transition(StateConnectTimeAutoDetectResponse); err != nil {
			return err
		}
	}

	ad := &c.autodetect
	ad.requests++

	var resp *pdu.AutoDetectResponse

	switch req.RequestType {
	case pdu.AutoDetectRTTConnectTime, pdu.AutoDetectRTTContinuous:
		resp = pdu.NewRTTResponse(req.SequenceNumber)
	case pdu.AutoDetectBandwidthStartConnect, pdu.AutoDetectBandwidthStartContinue:
		ad.bandwidthStart = time.Now()
		ad.bandwidthBytes = 0
	case pdu.AutoDetectBandwidthPayload:
		ad.bandwidthBytes += uint32(len(req.Payload)) // #nosec G115
	case pdu.AutoDetectBandwidthStopConnect, pdu.AutoDetectBandwidthStopContinue:
		ad.bandwidthBytes += uint32(len(req.Payload)) // #nosec G115

		var delta uint32
		if !ad.bandwidthStart.IsZero() {
			delta = uint32(time.Since(ad.bandwidthStart).Milliseconds()) // #nosec G115
		}

		resp = pdu.NewBandwidthResult(req.SequenceNumber, delta, ad.bandwidthBytes,
			req.RequestType == pdu.AutoDetectBandwidthStopConnect)
	case pdu.AutoDetectNetCharBandwidthRTT, pdu.AutoDetectNetCharBaseRTT, pdu.AutoDetectNetCharAll:
		ad.characteristics = req.Characteristics
		c.log.Debug("RDP: auto-detect: base rtt %dms, bandwidth %dkbps, average rtt %dms",
			req.Characteristics.BaseRTT, req.Characteristics.Bandwidth, req.Characteristics.AverageRTT)
	default:
		c.log.Debug("RDP: auto-detect: ignoring request type 0x%04x", uint16(req.RequestType))
	}

	if resp != nil {
		if err := c.sendSecured(channelID, pdu.SecurityFlagAutodetectRsp, resp.Serialize()); err != nil {
			return fmt.Errorf("auto-detect response: %w", err)
		}
	}

	if c.state == StateConnectTimeAutoDetectResponse {
		return c.Transition(StateConnectTimeAutoDetectRequest)
	}

	return nil
}

func (c *Connection) handleHeartbeat(body []byte) error {
	var hb pdu.Heartbeat
	if err := hb.Deserialize(bytes.NewReader(body)); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	c.log.Debug("RDP: heartbeat: period %ds, counts %d/%d", hb.Period, hb.Count1, hb.Count2)

	return nil
}
