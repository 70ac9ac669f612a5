package protocol

import (
	"github.com/streamgraph/mediabroker/pkg/registry"
	"github.com/streamgraph/mediabroker/pkg/wire"
)

// Core event opcodes (server to client).
const (
	CoreEventInfo uint32 = iota
	CoreEventDone
	CoreEventError
	CoreEventRemoveID
)

// Core request opcodes (client to server).
const (
	CoreRequestClientUpdate uint32 = iota
	CoreRequestSync
	CoreRequestGetRegistry
	CoreRequestCreateNode
	CoreRequestCreateClientNode
)

// errorMessageMax caps the formatted message of a core.error event. Longer
// messages are truncated silently.
const errorMessageMax = 128

// CoreInfo describes the server to a client.
type CoreInfo struct {
	ID         uint32
	ChangeMask int64
	UserName   string
	HostName   string
	Version    string
	Name       string
	Cookie     uint32
	Props      Dict
}

// CoreMarshalInfo emits core.info.
func CoreMarshalInfo(r *registry.Resource, info *CoreInfo) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(info.ID))
	b.WriteLong(info.ChangeMask)
	b.WriteString(info.UserName)
	b.WriteString(info.HostName)
	b.WriteString(info.Version)
	b.WriteString(info.Name)
	b.WriteInt(int32(info.Cookie))
	writeDict(b, info.Props)
	b.CloseStruct(f)
	return commitEvent(c, r, CoreEventInfo)
}

// CoreMarshalDone emits core.done, completing the round-trip fence a
// client opened with core.sync.
func CoreMarshalDone(r *registry.Resource, seq uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(seq))
	b.CloseStruct(f)
	return commitEvent(c, r, CoreEventDone)
}

// CoreMarshalError emits core.error attributed to the resource id the
// failing request addressed. msg is truncated to errorMessageMax bytes.
func CoreMarshalError(r *registry.Resource, id uint32, res int32, msg string) error {
	if len(msg) > errorMessageMax {
		msg = msg[:errorMessageMax]
	}
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(id))
	b.WriteInt(res)
	b.WriteString(msg)
	b.CloseStruct(f)
	return commitEvent(c, r, CoreEventError)
}

// CoreMarshalRemoveID emits core.remove_id, telling the client an id it
// bound is gone and may be reused.
func CoreMarshalRemoveID(r *registry.Resource, id uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(id))
	b.CloseStruct(f)
	return commitEvent(c, r, CoreEventRemoveID)
}

// CoreRequests is the behavior a Core resource hands decoded requests to.
// Handlers report application failures back to the client themselves (via
// CoreMarshalError); only decode failures travel up the dispatch path.
type CoreRequests interface {
	ClientUpdate(r *registry.Resource, props Dict)
	Sync(r *registry.Resource, seq uint32)
	GetRegistry(r *registry.Resource, seq, newID uint32)
	CreateNode(r *registry.Resource, seq uint32, factoryName, name string, props Dict, newID uint32)
	CreateClientNode(r *registry.Resource, seq uint32, name string, props Dict, newID uint32)
}

// BindCore creates the Core resource at id on conn and registers its
// demarshaller table. The server calls this once per connection at accept
// time, with id 0.
func BindCore(conn *registry.ClientConnection, id uint32, impl CoreRequests) (*registry.Resource, error) {
	res := &registry.Resource{ID: id, Type: registry.TypeCore, Object: impl}
	res.Dispatcher = &dispatchTable{table: []demarshalFunc{
		CoreRequestClientUpdate: func(it *wire.Iterator, _ wire.FDResolver) error {
			props, err := readDict(it)
			if err != nil {
				return err
			}
			impl.ClientUpdate(res, props)
			return nil
		},
		CoreRequestSync: func(it *wire.Iterator, _ wire.FDResolver) error {
			seq, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.Sync(res, uint32(seq))
			return nil
		},
		CoreRequestGetRegistry: func(it *wire.Iterator, _ wire.FDResolver) error {
			seq, err := it.GetInt()
			if err != nil {
				return err
			}
			newID, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.GetRegistry(res, uint32(seq), uint32(newID))
			return nil
		},
		CoreRequestCreateNode: func(it *wire.Iterator, _ wire.FDResolver) error {
			seq, err := it.GetInt()
			if err != nil {
				return err
			}
			factoryName, err := it.GetString()
			if err != nil {
				return err
			}
			name, err := it.GetString()
			if err != nil {
				return err
			}
			props, err := readDict(it)
			if err != nil {
				return err
			}
			newID, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.CreateNode(res, uint32(seq), factoryName, name, props, uint32(newID))
			return nil
		},
		CoreRequestCreateClientNode: func(it *wire.Iterator, _ wire.FDResolver) error {
			seq, err := it.GetInt()
			if err != nil {
				return err
			}
			name, err := it.GetString()
			if err != nil {
				return err
			}
			props, err := readDict(it)
			if err != nil {
				return err
			}
			newID, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.CreateClientNode(res, uint32(seq), name, props, uint32(newID))
			return nil
		},
	}}
	if err := conn.Bind(res); err != nil {
		return nil, err
	}
	return res, nil
}
