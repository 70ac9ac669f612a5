package protocol

import (
	"github.com/streamgraph/mediabroker/pkg/registry"
	"github.com/streamgraph/mediabroker/pkg/wire"
)

// ClientNode event opcodes.
const (
	ClientNodeEventDone uint32 = iota
	ClientNodeEventEvent
	ClientNodeEventAddPort
	ClientNodeEventRemovePort
	ClientNodeEventSetFormat
	ClientNodeEventSetProperty
	ClientNodeEventAddMem
	ClientNodeEventUseBuffers
	ClientNodeEventNodeCommand
	ClientNodeEventPortCommand
	ClientNodeEventTransport
)

// ClientNode request opcodes.
const (
	ClientNodeRequestUpdate uint32 = iota
	ClientNodeRequestPortUpdate
	ClientNodeRequestStateChange
	ClientNodeRequestEvent
	ClientNodeRequestDestroy
)

// BufferMeta describes one metadata region of a shared buffer.
type BufferMeta struct {
	Type uint32
	Size uint32
}

// BufferData describes one data plane of a shared buffer: an offset/size
// window into a memory region previously published with add_mem.
type BufferData struct {
	Type      uint32
	Data      uint32
	Flags     uint32
	MapOffset uint32
	MaxSize   uint32
}

// ClientNodeBuffer describes one shared buffer for use_buffers.
type ClientNodeBuffer struct {
	MemID    uint32
	Offset   uint32
	Size     uint32
	BufferID uint32
	Metas    []BufferMeta
	Datas    []BufferData
}

// PortInfo is the optional trailing record of a port_update request.
type PortInfo struct {
	Flags        uint32
	MaxBuffering int64
	Latency      int64
	Params       [][]byte
	Extra        Dict
}

// ClientNodeMarshalDone emits client_node.done carrying the event channel
// FD the client pumps against.
func ClientNodeMarshalDone(r *registry.Resource, seq uint32, dataFD int) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	if _, err := b.WriteFD(dataFD); err != nil {
		return err
	}
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventDone)
}

// ClientNodeMarshalEvent emits client_node.event with an opaque node
// event blob.
func ClientNodeMarshalEvent(r *registry.Resource, event []byte) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteBytes(event)
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventEvent)
}

// ClientNodeMarshalAddPort emits client_node.add_port.
func ClientNodeMarshalAddPort(r *registry.Resource, seq, direction, portID uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.WriteInt(int32(direction))
	b.WriteInt(int32(portID))
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventAddPort)
}

// ClientNodeMarshalRemovePort emits client_node.remove_port.
func ClientNodeMarshalRemovePort(r *registry.Resource, seq, direction, portID uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.WriteInt(int32(direction))
	b.WriteInt(int32(portID))
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventRemovePort)
}

// ClientNodeMarshalSetFormat emits client_node.set_format. format is an
// encoded record; nil means "clear the format".
func ClientNodeMarshalSetFormat(r *registry.Resource, seq, direction, portID, flags uint32, format []byte) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.WriteInt(int32(direction))
	b.WriteInt(int32(portID))
	b.WriteInt(int32(flags))
	if format != nil {
		b.WriteInt(1)
		b.WritePod(format)
	} else {
		b.WriteInt(0)
	}
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventSetFormat)
}

// ClientNodeMarshalSetProperty emits client_node.set_property.
func ClientNodeMarshalSetProperty(r *registry.Resource, seq, id uint32, value []byte) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.WriteInt(int32(id))
	b.WriteBytes(value)
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventSetProperty)
}

// ClientNodeMarshalAddMem emits client_node.add_mem, publishing one shared
// memory region. The region's FD travels out of band; its slot in the
// payload is the INT index WriteFD assigns.
func ClientNodeMarshalAddMem(r *registry.Resource, direction, portID, memID, memType uint32, memFD int, flags, offset, size uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(direction))
	b.WriteInt(int32(portID))
	b.WriteInt(int32(memID))
	b.WriteInt(int32(memType))
	if _, err := b.WriteFD(memFD); err != nil {
		return err
	}
	b.WriteInt(int32(flags))
	b.WriteInt(int32(offset))
	b.WriteInt(int32(size))
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventAddMem)
}

// ClientNodeMarshalUseBuffers emits client_node.use_buffers, describing
// buffer layouts inside previously published memory regions.
func ClientNodeMarshalUseBuffers(r *registry.Resource, seq, direction, portID uint32, buffers []ClientNodeBuffer) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.WriteInt(int32(direction))
	b.WriteInt(int32(portID))
	b.WriteInt(int32(len(buffers)))
	for _, buf := range buffers {
		b.WriteInt(int32(buf.MemID))
		b.WriteInt(int32(buf.Offset))
		b.WriteInt(int32(buf.Size))
		b.WriteInt(int32(buf.BufferID))
		b.WriteInt(int32(len(buf.Metas)))
		for _, m := range buf.Metas {
			b.WriteInt(int32(m.Type))
			b.WriteInt(int32(m.Size))
		}
		b.WriteInt(int32(len(buf.Datas)))
		for _, d := range buf.Datas {
			b.WriteInt(int32(d.Type))
			b.WriteInt(int32(d.Data))
			b.WriteInt(int32(d.Flags))
			b.WriteInt(int32(d.MapOffset))
			b.WriteInt(int32(d.MaxSize))
		}
	}
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventUseBuffers)
}

// ClientNodeMarshalNodeCommand emits client_node.node_command.
func ClientNodeMarshalNodeCommand(r *registry.Resource, seq uint32, command []byte) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.WriteBytes(command)
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventNodeCommand)
}

// ClientNodeMarshalPortCommand emits client_node.port_command.
func ClientNodeMarshalPortCommand(r *registry.Resource, portID uint32, command []byte) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(portID))
	b.WriteBytes(command)
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventPortCommand)
}

// ClientNodeMarshalTransport emits client_node.transport, handing the
// client the shared region holding the per-port status cells.
func ClientNodeMarshalTransport(r *registry.Resource, memFD int, offset, size uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	if _, err := b.WriteFD(memFD); err != nil {
		return err
	}
	b.WriteInt(int32(offset))
	b.WriteInt(int32(size))
	b.CloseStruct(f)
	return commitEvent(c, r, ClientNodeEventTransport)
}

// ClientNodeRequests is the behavior a ClientNode resource hands decoded
// requests to. Formats and props arrive as encoded records; a nil slice
// means the optional field was absent.
type ClientNodeRequests interface {
	Update(r *registry.Resource, changeMask, maxInputs, maxOutputs uint32, props []byte)
	PortUpdate(r *registry.Resource, direction, portID, changeMask uint32, possibleFormats [][]byte, format, props []byte, info *PortInfo)
	StateChange(r *registry.Resource, state uint32)
	Event(r *registry.Resource, event []byte)
	Destroy(r *registry.Resource, seq uint32)
}

// BindClientNode creates a ClientNode resource at id on conn, typically in
// response to core.create_client_node.
func BindClientNode(conn *registry.ClientConnection, id uint32, impl ClientNodeRequests) (*registry.Resource, error) {
	res := &registry.Resource{ID: id, Type: registry.TypeClientNode, Object: impl}
	res.Dispatcher = &dispatchTable{table: []demarshalFunc{
		ClientNodeRequestUpdate: func(it *wire.Iterator, _ wire.FDResolver) error {
			changeMask, err := it.GetInt()
			if err != nil {
				return err
			}
			maxIn, err := it.GetInt()
			if err != nil {
				return err
			}
			maxOut, err := it.GetInt()
			if err != nil {
				return err
			}
			props, err := readOptionalPod(it)
			if err != nil {
				return err
			}
			impl.Update(res, uint32(changeMask), uint32(maxIn), uint32(maxOut), props)
			return nil
		},
		ClientNodeRequestPortUpdate: demarshalPortUpdate(res, impl),
		ClientNodeRequestStateChange: func(it *wire.Iterator, _ wire.FDResolver) error {
			state, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.StateChange(res, uint32(state))
			return nil
		},
		ClientNodeRequestEvent: func(it *wire.Iterator, _ wire.FDResolver) error {
			event, err := it.GetBytes()
			if err != nil {
				return err
			}
			impl.Event(res, event)
			return nil
		},
		ClientNodeRequestDestroy: func(it *wire.Iterator, _ wire.FDResolver) error {
			seq, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.Destroy(res, uint32(seq))
			return nil
		},
	}}
	if err := conn.Bind(res); err != nil {
		return nil, err
	}
	return res, nil
}

// readOptionalPod consumes a presence INT and, when set, the POD that
// follows it.
func readOptionalPod(it *wire.Iterator) ([]byte, error) {
	have, err := it.GetInt()
	if err != nil {
		return nil, err
	}
	if have == 0 {
		return nil, nil
	}
	return it.GetPod()
}

func demarshalPortUpdate(res *registry.Resource, impl ClientNodeRequests) demarshalFunc {
	return func(it *wire.Iterator, _ wire.FDResolver) error {
		direction, err := it.GetInt()
		if err != nil {
			return err
		}
		portID, err := it.GetInt()
		if err != nil {
			return err
		}
		changeMask, err := it.GetInt()
		if err != nil {
			return err
		}
		nFormats, err := it.GetInt()
		if err != nil {
			return err
		}
		var possibleFormats [][]byte
		for i := int32(0); i < nFormats; i++ {
			pf, err := it.GetPod()
			if err != nil {
				return err
			}
			possibleFormats = append(possibleFormats, pf)
		}
		format, err := readOptionalPod(it)
		if err != nil {
			return err
		}
		props, err := readOptionalPod(it)
		if err != nil {
			return err
		}
		haveInfo, err := it.GetInt()
		if err != nil {
			return err
		}
		var info *PortInfo
		if haveInfo != 0 {
			info = &PortInfo{}
			flags, err := it.GetInt()
			if err != nil {
				return err
			}
			info.Flags = uint32(flags)
			if info.MaxBuffering, err = it.GetLong(); err != nil {
				return err
			}
			if info.Latency, err = it.GetLong(); err != nil {
				return err
			}
			nParams, err := it.GetInt()
			if err != nil {
				return err
			}
			for i := int32(0); i < nParams; i++ {
				param, err := it.GetBytes()
				if err != nil {
					return err
				}
				info.Params = append(info.Params, param)
			}
			if info.Extra, err = readDict(it); err != nil {
				return err
			}
		}
		impl.PortUpdate(res, uint32(direction), uint32(portID), uint32(changeMask), possibleFormats, format, props, info)
		return nil
	}
}
