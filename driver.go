package rfc

import (
	"context"
	"fmt"
	"strings"
)

// Driver is the chainable remote-interface handle. Every Prop/Path access
// records a path segment; Invoke (or its variadic ergonomic twin Call)
// emits the accumulated path as a Call's listener. Driver also implements
// Callable, so a Driver received as a by-reference parameter (see
// newHandleDriver) can itself be re-exported as a callback argument on a
// further outbound Call.
type Driver struct {
	comm  *Communicator
	path  []string
	fixed string
}

// Prop returns a child Driver with name appended to the path, supporting
// arbitrary-depth chaining with no prior declaration of the remote
// interface.
func (d *Driver) Prop(name string) *Driver {
	nd := &Driver{comm: d.comm, path: make([]string, len(d.path), len(d.path)+1)}
	copy(nd.path, d.path)
	nd.path = append(nd.path, name)
	return nd
}

// Path appends several segments at once, as an explicit-path alternative to
// chaining Prop calls one at a time.
func (d *Driver) Path(parts ...string) *Driver {
	nd := &Driver{comm: d.comm, path: make([]string, len(d.path), len(d.path)+len(parts))}
	copy(nd.path, d.path)
	nd.path = append(nd.path, parts...)
	return nd
}

func (d *Driver) listener() string {
	if d.fixed != "" {
		return d.fixed
	}
	return strings.Join(d.path, ".")
}

// Invoke emits the accumulated path as a Call and blocks until the Return
// arrives, ctx is done, or the Communicator fails the call. It satisfies
// Callable, so a Driver can be passed as a by-reference argument to a
// further outbound Call.
func (d *Driver) Invoke(ctx context.Context, args []any) (any, error) {
	return d.comm.invokeCall(ctx, d.listener(), args)
}

// Call is the variadic ergonomic form of Invoke.
func (d *Driver) Call(ctx context.Context, args ...any) (any, error) {
	return d.Invoke(ctx, args)
}

// Methods invokes the reserved introspection listener and returns the
// top-level keys of the peer's provider when that provider is a Namespace.
// For any other provider type (a struct, a single function) the list is
// empty.
func (d *Driver) Methods(ctx context.Context) ([]string, error) {
	v, err := (&Driver{comm: d.comm, fixed: methodsListener}).Invoke(ctx, nil)
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	names := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

func newHandleDriver(c *Communicator, uid uint64) *Driver {
	return &Driver{comm: c, fixed: fmt.Sprintf("%s%d", handlePrefix, uid)}
}

// retained wraps a Callable so Communicator.invokeCall exports it with
// retain:true instead of releasing it automatically on Return.
type retained struct{ Callable }

// Retain marks c as a long-lived callback: the exporting side will not
// auto-release its handle uid when the enclosing Call's Return arrives.
// The remote side is then responsible for never forgetting to call it, and
// the exporter leaks the entry until its own Communicator closes.
// Retain also has no effect on handles received from a peer — release of
// those is the peer's decision, not this side's.
func Retain(c Callable) Callable { return retained{c} }
