// Package topology describes a sharded keyspace: its shards, their key
// ranges and how a sharding column value maps to one of them.
package topology

import (
	"errors"
	"fmt"
	"os"

	"github.com/block/directshard/pkg/dbconn"
	"github.com/block/directshard/pkg/shardkey"
	"gopkg.in/yaml.v3"
)

const (
	BinderKeyspace = "keyspace"
	BinderSchema   = "schema"
)

// Topology is loaded from YAML:
//
//	keyspace: commerce
//	dsn: app:secret@tcp(vtgate:15306)/commerce
//	binder: keyspace
//	vindex: xxhash
//	shards:
//	  - name: "-80"
//	    key_range: "-80"
//	  - name: "80-"
//	    key_range: "80-"
type Topology struct {
	Keyspace      string    `yaml:"keyspace"`
	DSN           string    `yaml:"dsn,omitempty"`
	Binder        string    `yaml:"binder,omitempty"` // keyspace (default) or schema
	SchemaPrefix  string    `yaml:"schema_prefix,omitempty"`
	DefaultSchema string    `yaml:"default_schema,omitempty"`
	Vindex        string    `yaml:"vindex,omitempty"` // numeric (default) or xxhash
	TLS           TLSConfig `yaml:"tls,omitempty"`
	Shards        []Shard   `yaml:"shards"`

	vindex VindexFunc
}

// TLSConfig overrides dbconn.DBConfig's TLS settings.
type TLSConfig struct {
	Mode   string `yaml:"mode,omitempty"`
	CACert string `yaml:"ca_cert,omitempty"`
}

// Shard is one physical shard. Name is the sharding key that routes to it.
type Shard struct {
	Name     string `yaml:"name"`
	KeyRange string `yaml:"key_range"`

	keyRange keyRange
}

// Load reads and validates a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML topology.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &t, nil
}

// Validate fills in defaults and checks that shard names are unique and
// key ranges are well formed and disjoint.
func (t *Topology) Validate() error {
	if t.Binder == "" {
		t.Binder = BinderKeyspace
	}
	if t.Vindex == "" {
		t.Vindex = VindexNumeric
	}
	switch t.Binder {
	case BinderKeyspace:
		if t.Keyspace == "" {
			return errors.New("keyspace is required for the keyspace binder")
		}
	case BinderSchema:
		if t.DefaultSchema == "" {
			return errors.New("default_schema is required for the schema binder")
		}
	default:
		return fmt.Errorf("unknown binder %q", t.Binder)
	}
	vindex, err := LookupVindex(t.Vindex)
	if err != nil {
		return err
	}
	t.vindex = vindex
	if len(t.Shards) == 0 {
		return errors.New("at least one shard is required")
	}
	seen := make(map[string]bool, len(t.Shards))
	for i := range t.Shards {
		s := &t.Shards[i]
		if s.Name == "" {
			return fmt.Errorf("shard %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate shard name %q", s.Name)
		}
		seen[s.Name] = true
		if _, err := shardkey.New(s.Name); err != nil {
			return fmt.Errorf("shard %q: %w", s.Name, err)
		}
		if s.keyRange, err = parseKeyRange(s.KeyRange); err != nil {
			return fmt.Errorf("shard %q: %w", s.Name, err)
		}
		for _, prev := range t.Shards[:i] {
			if s.keyRange.overlaps(prev.keyRange) {
				return fmt.Errorf("shard %q key range %s overlaps shard %q key range %s",
					s.Name, s.KeyRange, prev.Name, prev.KeyRange)
			}
		}
	}
	return nil
}

// NewBinder returns the dbconn.Binder that targets this topology's shards.
func (t *Topology) NewBinder() dbconn.Binder {
	if t.Binder == BinderSchema {
		return dbconn.SchemaBinder{Prefix: t.SchemaPrefix, Default: t.DefaultSchema}
	}
	return dbconn.KeyspaceBinder{Keyspace: t.Keyspace}
}

// Key returns the sharding key of s.
func (s Shard) Key() shardkey.Key {
	return shardkey.MustNew(s.Name)
}

// ShardByName returns the shard called name.
func (t *Topology) ShardByName(name string) (Shard, error) {
	for _, s := range t.Shards {
		if s.Name == name {
			return s, nil
		}
	}
	return Shard{}, fmt.Errorf("no shard named %q in keyspace %q", name, t.Keyspace)
}

// SetVindex replaces the named vindex with fn, for applications that
// compute keyspace ids themselves.
func (t *Topology) SetVindex(fn VindexFunc) {
	t.vindex = fn
}

// ShardForValue maps a sharding column value to its shard through the
// topology's vindex.
func (t *Topology) ShardForValue(value any) (Shard, error) {
	if t.vindex == nil {
		return Shard{}, errors.New("topology has not been validated")
	}
	hash, err := t.vindex(value)
	if err != nil {
		return Shard{}, err
	}
	for _, s := range t.Shards {
		if s.keyRange.contains(hash) {
			return s, nil
		}
	}
	return Shard{}, fmt.Errorf("no shard found for hash value %x (value: %v)", hash, value)
}
