package protocol

import (
	"github.com/streamgraph/mediabroker/pkg/registry"
	"github.com/streamgraph/mediabroker/pkg/wire"
)

// Registry event opcodes.
const (
	RegistryEventGlobal uint32 = iota
	RegistryEventGlobalRemove
)

// Registry request opcodes.
const (
	RegistryRequestBind uint32 = iota
)

// RegistryMarshalGlobal emits registry.global, advertising a
// globally-visible object and its type tag to the client.
func RegistryMarshalGlobal(r *registry.Resource, id uint32, objType string) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(id))
	b.WriteString(objType)
	b.CloseStruct(f)
	return commitEvent(c, r, RegistryEventGlobal)
}

// RegistryMarshalGlobalRemove emits registry.global_remove.
func RegistryMarshalGlobalRemove(r *registry.Resource, id uint32) error {
	b, c := beginEvent(r)
	f := b.OpenStruct()
	b.WriteInt(int32(id))
	b.CloseStruct(f)
	return commitEvent(c, r, RegistryEventGlobalRemove)
}

// RegistryRequests is the behavior a Registry resource hands decoded
// requests to.
type RegistryRequests interface {
	// Bind binds the advertised global id into the connection's id space
	// at the client-chosen newID.
	Bind(r *registry.Resource, id, newID uint32)
}

// BindRegistry creates a Registry resource at id on conn, typically in
// response to core.get_registry.
func BindRegistry(conn *registry.ClientConnection, id uint32, impl RegistryRequests) (*registry.Resource, error) {
	res := &registry.Resource{ID: id, Type: registry.TypeRegistry, Object: impl}
	res.Dispatcher = &dispatchTable{table: []demarshalFunc{
		RegistryRequestBind: func(it *wire.Iterator, _ wire.FDResolver) error {
			id, err := it.GetInt()
			if err != nil {
				return err
			}
			newID, err := it.GetInt()
			if err != nil {
				return err
			}
			impl.Bind(res, uint32(id), uint32(newID))
			return nil
		},
	}}
	if err := conn.Bind(res); err != nil {
		return nil, err
	}
	return res, nil
}
