package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/store"
)

// Registry reads and writes Computers and Codes in the provenance store.
type Registry struct {
	store  *store.Store
	userID int64
}

// New returns a Registry backed by s. Code nodes are owned by owner.
func New(s *store.Store, owner *store.User) *Registry {
	return &Registry{store: s, userID: owner.ID}
}

// PutComputer registers c. Re-registering an identical computer is a no-op;
// a different configuration under the same name fails with
// store.ErrDuplicateName.
func (r *Registry) PutComputer(ctx context.Context, c Computer) (*Computer, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rec, err := r.store.PutComputer(ctx, c.record())
	if err != nil {
		return nil, err
	}
	return computerFromRecord(rec), nil
}

// UpdateComputer replaces the configuration of the computer named c.Name,
// which must exist. Jobs already submitted keep the remote directory they
// were given.
func (r *Registry) UpdateComputer(ctx context.Context, c Computer) (*Computer, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rec, err := r.store.UpdateComputer(ctx, c.record())
	if err != nil {
		return nil, err
	}
	return computerFromRecord(rec), nil
}

// GetOrCreateComputer returns the named computer, registering c if absent.
// The bool reports whether it was created.
func (r *Registry) GetOrCreateComputer(ctx context.Context, c Computer) (*Computer, bool, error) {
	existing, err := r.GetComputer(ctx, c.Name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	created, err := r.PutComputer(ctx, c)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GetComputer returns the named computer or an error wrapping store.ErrNotFound.
func (r *Registry) GetComputer(ctx context.Context, name string) (*Computer, error) {
	rec, err := r.store.GetComputer(ctx, name)
	if err != nil {
		return nil, err
	}
	return computerFromRecord(rec), nil
}

// ListComputers returns all computers ordered by name.
func (r *Registry) ListComputers(ctx context.Context) ([]Computer, error) {
	recs, err := r.store.ListComputers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Computer, 0, len(recs))
	for i := range recs {
		out = append(out, *computerFromRecord(&recs[i]))
	}
	return out, nil
}

// PutCode registers c on its computer as a sealed data.code node.
func (r *Registry) PutCode(ctx context.Context, c Code) (*Code, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	attrs, err := codeAttributes(&c)
	if err != nil {
		return nil, err
	}
	node, err := r.store.PutCode(ctx, c.Name, c.Computer, store.NewNode{
		UserID:     r.userID,
		Attributes: attrs,
	})
	if err != nil {
		return nil, err
	}
	c.NodeID = node.ID
	return &c, nil
}

// GetCode resolves "name@computer", or a bare name when exactly one computer
// has a code of that name.
func (r *Registry) GetCode(ctx context.Context, ref string) (*Code, error) {
	name, computer := SplitCodeRef(ref)
	rows, err := r.store.FindCodes(ctx, name, computer)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("get code %q: %w", ref, store.ErrNotFound)
	case 1:
		return r.GetCodeByNode(ctx, rows[0].NodeID)
	default:
		labels := make([]string, len(rows))
		for i, row := range rows {
			labels[i] = row.Name + "@" + row.Computer
		}
		return nil, fmt.Errorf("get code %q: %w: candidates %s", ref, ErrAmbiguousCode, strings.Join(labels, ", "))
	}
}

// GetCodeByNode decodes the Code stored in a data.code node.
func (r *Registry) GetCodeByNode(ctx context.Context, nodeID int64) (*Code, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Kind != store.KindCode {
		return nil, fmt.Errorf("node %d is %s, not a code: %w", nodeID, node.Kind, ErrInvalid)
	}
	c, err := codeFromAttributes(node.Attributes)
	if err != nil {
		return nil, fmt.Errorf("decode code node %d: %w", nodeID, err)
	}
	c.NodeID = node.ID
	return c, nil
}

// ListCodes returns all codes ordered by name then computer.
func (r *Registry) ListCodes(ctx context.Context) ([]Code, error) {
	rows, err := r.store.ListCodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Code, 0, len(rows))
	for _, row := range rows {
		c, err := r.GetCodeByNode(ctx, row.NodeID)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// SplitCodeRef splits "name@computer". The computer is empty for a bare name.
func SplitCodeRef(ref string) (name, computer string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

func codeAttributes(c *Code) (ir.Object, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode code: %w", err)
	}
	v, err := ir.ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("encode code: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("encode code: not an object")
	}
	return obj, nil
}

func codeFromAttributes(attrs ir.Object) (*Code, error) {
	data, err := ir.MarshalCanonical(attrs)
	if err != nil {
		return nil, err
	}
	var c Code
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
