// Package protocol implements the per-type dispatch tables of the wire
// protocol: for each resource type one set of event marshallers
// (server-to-client, indexed by event opcode) and one set of request
// demarshallers (client-to-server, indexed by request opcode). Decoders
// hand structured arguments to the resource's behavior object; a decode
// failure is promoted to a PROTOCOL error by the registry dispatch layer.
//
// Opcodes are positional and stable per type. Optional fields ride as a
// presence INT (0 or 1) followed by the field itself; dictionaries ride as
// a count INT followed by key/value STRING pairs; nested records (formats,
// properties) ride as POD fields.
package protocol

import (
	"errors"

	"github.com/streamgraph/mediabroker/pkg/registry"
	"github.com/streamgraph/mediabroker/pkg/transport"
	"github.com/streamgraph/mediabroker/pkg/wire"
)

// ErrOpcodeOutOfRange is returned when a request's opcode does not index
// into the destination resource's demarshaller table.
var ErrOpcodeOutOfRange = errors.New("protocol: opcode out of range")

// Item is one key/value pair of a property dictionary.
type Item struct {
	Key   string
	Value string
}

// Dict is an ordered property dictionary. Order is preserved on the wire.
type Dict []Item

func writeDict(b *wire.Builder, d Dict) {
	b.WriteInt(int32(len(d)))
	for _, it := range d {
		b.WriteString(it.Key)
		b.WriteString(it.Value)
	}
}

func readDict(it *wire.Iterator) (Dict, error) {
	n, err := it.GetInt()
	if err != nil {
		return nil, err
	}
	d := make(Dict, 0, n)
	for i := int32(0); i < n; i++ {
		k, err := it.GetString()
		if err != nil {
			return nil, err
		}
		v, err := it.GetString()
		if err != nil {
			return nil, err
		}
		d = append(d, Item{Key: k, Value: v})
	}
	return d, nil
}

// resolverFunc adapts the transport's per-message FD callback to
// wire.FDResolver.
type resolverFunc func(int) (int, error)

func (f resolverFunc) ResolveFD(idx int) (int, error) {
	if f == nil {
		return 0, errors.New("protocol: message carried no FDs")
	}
	return f(idx)
}

// beginEvent opens a builder over the resource's connection scratch
// buffer. The connection doubles as the FD attacher so WriteFD lands in
// the outbound message's ancillary list.
func beginEvent(r *registry.Resource) (*wire.Builder, *transport.Conn) {
	c := r.Conn.Transport
	return wire.NewBuilder(c.Writer(), c), c
}

// commitEvent frames everything built since beginEvent as one message
// addressed to r with the given event opcode.
func commitEvent(c *transport.Conn, r *registry.Resource, opcode uint32) error {
	return c.EndWrite(r.ID, opcode, c.Writer().Len())
}

// demarshalFunc decodes one request's payload and invokes the behavior.
type demarshalFunc func(it *wire.Iterator, fds wire.FDResolver) error

// dispatchTable implements registry.Dispatcher over a positional slice of
// demarshallers, the Go shape of the ancestor's function-pointer arrays.
type dispatchTable struct {
	table []demarshalFunc
}

func (d *dispatchTable) Dispatch(opcode uint32, payload []byte, resolveFD func(int) (int, error)) error {
	if int(opcode) >= len(d.table) || d.table[opcode] == nil {
		return ErrOpcodeOutOfRange
	}
	it, err := wire.NewIterator(payload)
	if err != nil {
		return err
	}
	return d.table[opcode](it, resolverFunc(resolveFD))
}
