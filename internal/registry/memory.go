package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryCatalog implements Catalog using in-memory storage. Suitable for
// tests and single-process deployments.
type MemoryCatalog struct {
	mu    sync.RWMutex
	specs map[string]*FunctionSpec
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{specs: make(map[string]*FunctionSpec)}
}

func (c *MemoryCatalog) Register(ctx context.Context, req *RegisterFunctionSpecRequest) (*FunctionSpec, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.specs[req.Ref]; exists {
		return nil, ErrFunctionExists
	}

	now := time.Now().UTC()
	spec := &FunctionSpec{
		Ref:         req.Ref,
		Driver:      req.Driver,
		Image:       req.Image,
		Command:     req.Command,
		Env:         req.Env,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.specs[req.Ref] = spec
	return spec, nil
}

func (c *MemoryCatalog) Get(ctx context.Context, ref string) (*FunctionSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.specs[ref]
	if !ok {
		return nil, ErrFunctionNotFound
	}
	cp := *spec
	return &cp, nil
}

func (c *MemoryCatalog) Delete(ctx context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.specs[ref]; !ok {
		return ErrFunctionNotFound
	}
	delete(c.specs, ref)
	return nil
}

func (c *MemoryCatalog) List(ctx context.Context) ([]*FunctionSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]*FunctionSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		cp := *spec
		specs = append(specs, &cp)
	}
	return specs, nil
}

func (c *MemoryCatalog) Close() error { return nil }

var _ Catalog = (*MemoryCatalog)(nil)
