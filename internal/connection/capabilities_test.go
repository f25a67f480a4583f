package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/protocol/pdu"
)

func TestDemandActive_DesktopResize(t *testing.T) {
	tests := []struct {
		name          string
		width, height uint16
		reactivating  bool
		calls         int32
	}{
		{"first activation same size", 1024, 768, false, 0},
		{"reactivation same size", 1024, 768, true, 0},
		{"reactivation wider", 1280, 768, true, 1},
		{"reactivation taller", 1024, 1024, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			s.DesktopWidth, s.DesktopHeight = 1024, 768
			s.SupportMonitorLayoutPdu = false

			resizer := &resizeCounter{}

			c := New(RoleClient, s, WithApplication(resizer), WithLogger(quietLogger()))
			c.mcs = &fakeMCS{}
			c.roster.UserID = testUserID
			c.roster.GlobalID = globalChannelID
			c.cachedWidth, c.cachedHeight = 1024, 768
			c.deactivateReactivate = tt.reactivating
			c.state = StateCapabilitiesExchangeDemandActive

			sets := []pdu.CapabilitySet{
				pdu.NewGeneralCapabilitySet(),
				pdu.NewBitmapCapabilitySet(tt.width, tt.height),
			}
			demand := pdu.NewDemandActive(serverShareID, pdu.ServerChannelID, sets)

			require.NoError(t, c.recvClientShareControl(demand.Serialize()))

			assert.Equal(t, tt.calls, resizer.calls.Load())
			assert.Equal(t, tt.width, c.Settings().DesktopWidth)
			assert.Equal(t, StateFinalizationClientSync, c.State())
		})
	}
}
