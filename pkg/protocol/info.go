package protocol

import (
	"github.com/streamgraph/mediabroker/pkg/registry"
)

// Module, Node, Client and Link resources carry no client-to-server
// requests; they only emit info (and, for Node, done) events. Their
// demarshaller tables are empty, so any request addressed to them is an
// opcode-out-of-range protocol error.

// Module event opcodes.
const (
	ModuleEventInfo uint32 = iota
)

// Node event opcodes.
const (
	NodeEventDone uint32 = iota
	NodeEventInfo
)

// Client event opcodes.
const (
	ClientEventInfo uint32 = iota
)

// Link event opcodes.
const (
	LinkEventInfo uint32 = iota
)

// ModuleInfo describes a loaded module.
type ModuleInfo struct {
	ID         uint32
	ChangeMask int64
	Name       string
	Filename   string
	Args       string
	Props      Dict
}

// NodeInfo describes a processing node and its port topology.
type NodeInfo struct {
	ID            uint32
	ChangeMask    int64
	Name          string
	MaxInputs     uint32
	NumInputs     uint32
	InputFormats  [][]byte
	MaxOutputs    uint32
	NumOutputs    uint32
	OutputFormats [][]byte
	State         int32
	Error         string
	Props         Dict
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID         uint32
	ChangeMask int64
	Props      Dict
}

// LinkInfo describes an edge between two node ports.
type LinkInfo struct {
	ID           uint32
	ChangeMask   int64
	OutputNodeID int64
	OutputPortID int64
	InputNodeID  int64
	InputPortID  int64
}

// ModuleMarshalInfo emits module.info.
func ModuleMarshalInfo(r *registry.Resource, info *ModuleInfo) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(info.ID))
	b.WriteLong(info.ChangeMask)
	b.WriteString(info.Name)
	b.WriteString(info.Filename)
	b.WriteString(info.Args)
	writeDict(b, info.Props)
	b.CloseStruct(f)
	return commitEvent(c, r, ModuleEventInfo)
}

// NodeMarshalDone emits node.done.
func NodeMarshalDone(r *registry.Resource, seq uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.CloseStruct(f)
	return commitEvent(c, r, NodeEventDone)
}

// NodeMarshalInfo emits node.info. Formats ride as POD fields between the
// input and output port counters, preserving field order on the wire.
func NodeMarshalInfo(r *registry.Resource, info *NodeInfo) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(info.ID))
	b.WriteLong(info.ChangeMask)
	b.WriteString(info.Name)
	b.WriteInt(int32(info.MaxInputs))
	b.WriteInt(int32(info.NumInputs))
	b.WriteInt(int32(len(info.InputFormats)))
	for _, fmt := range info.InputFormats {
		b.WritePod(fmt)
	}
	b.WriteInt(int32(info.MaxOutputs))
	b.WriteInt(int32(info.NumOutputs))
	b.WriteInt(int32(len(info.OutputFormats)))
	for _, fmt := range info.OutputFormats {
		b.WritePod(fmt)
	}
	b.WriteInt(info.State)
	b.WriteString(info.Error)
	writeDict(b, info.Props)
	b.CloseStruct(f)
	return commitEvent(c, r, NodeEventInfo)
}

// ClientMarshalInfo emits client.info.
func ClientMarshalInfo(r *registry.Resource, info *ClientInfo) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(info.ID))
	b.WriteLong(info.ChangeMask)
	writeDict(b, info.Props)
	b.CloseStruct(f)
	return commitEvent(c, r, ClientEventInfo)
}

// LinkMarshalInfo emits link.info.
func LinkMarshalInfo(r *registry.Resource, info *LinkInfo) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(info.ID))
	b.WriteLong(info.ChangeMask)
	b.WriteLong(info.OutputNodeID)
	b.WriteLong(info.OutputPortID)
	b.WriteLong(info.InputNodeID)
	b.WriteLong(info.InputPortID)
	b.CloseStruct(f)
	return commitEvent(c, r, LinkEventInfo)
}

// BindModule, BindNode, BindClient and BindLink create event-only
// resources of the corresponding type.

func BindModule(conn *registry.ClientConnection, id uint32, obj any) (*registry.Resource, error) {
	return bindEventOnly(conn, id, registry.TypeModule, obj)
}

func BindNode(conn *registry.ClientConnection, id uint32, obj any) (*registry.Resource, error) {
	return bindEventOnly(conn, id, registry.TypeNode, obj)
}

func BindClient(conn *registry.ClientConnection, id uint32, obj any) (*registry.Resource, error) {
	return bindEventOnly(conn, id, registry.TypeClient, obj)
}

func BindLink(conn *registry.ClientConnection, id uint32, obj any) (*registry.Resource, error) {
	return bindEventOnly(conn, id, registry.TypeLink, obj)
}

func bindEventOnly(conn *registry.ClientConnection, id uint32, t registry.Type, obj any) (*registry.Resource, error) {
	res := &registry.Resource{ID: id, Type: t, Object: obj, Dispatcher: &dispatchTable{}}
	if err := conn.Bind(res); err != nil {
		return nil, err
	}
	return res, nil
}
