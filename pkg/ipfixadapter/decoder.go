package ipfixadapter

import (
	"net"
	"time"

	"github.com/netweaver/flowcollector/pkg/flow"
)

// SFlowDecoder adapts DecodeSFlow to pkg/source.Decoder.
type SFlowDecoder struct{}

// Decode implements pkg/source.Decoder for sFlow v5 packets. exporter is
// accepted for interface symmetry with the NFv9/IPFIX decoder; sFlow
// carries its own agent address in the datagram and does not need it.
func (SFlowDecoder) Decode(data []byte, exporter net.IP, arrivedAt time.Time) ([]flow.Record, error) {
	return DecodeSFlow(data, arrivedAt)
}
