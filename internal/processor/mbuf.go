package processor

import (
	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/message"
)

// msgToMbuf adapts a FlowMsg to the driver façade's Mbuf handle. The
// simulated driver has no real wire encoding to round-trip through, so the
// structured message rides along in Aux; Data carries the tensor bytes,
// mirroring what a real mbuf-alloc would actually hold.
func msgToMbuf(m *message.FlowMsg) *driver.Mbuf {
	var data []byte
	if m != nil && m.Tensor != nil {
		data = m.Tensor.Data
	}
	return &driver.Mbuf{Data: data, Aux: m}
}

// mbufToMsg recovers the FlowMsg an enqueue carried.
func mbufToMsg(mb *driver.Mbuf) *message.FlowMsg {
	if mb == nil {
		return nil
	}
	if m, ok := mb.Aux.(*message.FlowMsg); ok {
		return m
	}
	return nil
}
