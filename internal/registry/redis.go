package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	functionKeyPrefix = "orch:function:"
	functionIndexKey  = "orch:functions:all"
)

// RedisCatalog implements Catalog over Redis, generalizing the donor's
// Agent-keyed RedisRegistry (Hash-per-agent plus a SET index) to
// FunctionSpec rows keyed by function ref.
type RedisCatalog struct {
	client *redis.Client
}

// RedisCatalogConfig holds Redis connection settings for the catalog,
// mirroring internal/store.RedisConfig's URL-or-discrete-fields shape.
type RedisCatalogConfig struct {
	URL      string
	Password string
	DB       int
}

// NewRedisCatalog connects to Redis and returns a ready Catalog.
func NewRedisCatalog(cfg *RedisCatalogConfig) (*RedisCatalog, error) {
	if cfg == nil {
		cfg = &RedisCatalogConfig{}
	}

	opts := &redis.Options{Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisCatalog{client: client}, nil
}

func functionKey(ref string) string { return functionKeyPrefix + ref }

// Register implements Catalog.
func (r *RedisCatalog) Register(ctx context.Context, req *RegisterFunctionSpecRequest) (*FunctionSpec, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := functionKey(req.Ref)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("check function exists: %w", err)
	}
	if exists > 0 {
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

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal function spec: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, functionIndexKey, req.Ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("register function spec: %w", err)
	}

	return spec, nil
}

// Get implements Catalog.
func (r *RedisCatalog) Get(ctx context.Context, ref string) (*FunctionSpec, error) {
	data, err := r.client.Get(ctx, functionKey(ref)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrFunctionNotFound
		}
		return nil, fmt.Errorf("get function spec: %w", err)
	}

	var spec FunctionSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal function spec: %w", err)
	}
	return &spec, nil
}

// Delete implements Catalog.
func (r *RedisCatalog) Delete(ctx context.Context, ref string) error {
	key := functionKey(ref)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check function exists: %w", err)
	}
	if exists == 0 {
		return ErrFunctionNotFound
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, functionIndexKey, ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete function spec: %w", err)
	}
	return nil
}

// List implements Catalog.
func (r *RedisCatalog) List(ctx context.Context) ([]*FunctionSpec, error) {
	refs, err := r.client.SMembers(ctx, functionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list function refs: %w", err)
	}

	specs := make([]*FunctionSpec, 0, len(refs))
	for _, ref := range refs {
		spec, err := r.Get(ctx, ref)
		if err != nil {
			if err == ErrFunctionNotFound {
				// Index and data disagree; drop the stale ref rather than
				// fail the whole list.
				r.client.SRem(ctx, functionIndexKey, ref)
				continue
			}
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Close implements Catalog.
func (r *RedisCatalog) Close() error {
	return r.client.Close()
}

var _ Catalog = (*RedisCatalog)(nil)
