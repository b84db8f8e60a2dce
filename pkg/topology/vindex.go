package topology

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// VindexFunc maps a sharding column value to a 64-bit keyspace id which
// is then matched against the shards' key ranges.
type VindexFunc func(value any) (uint64, error)

const (
	VindexNumeric = "numeric"
	VindexXXHash  = "xxhash"
)

// LookupVindex returns the vindex function registered under name.
func LookupVindex(name string) (VindexFunc, error) {
	switch name {
	case VindexNumeric:
		return numericVindex, nil
	case VindexXXHash:
		return xxhashVindex, nil
	default:
		return nil, fmt.Errorf("unknown vindex %q (expected %q or %q)", name, VindexNumeric, VindexXXHash)
	}
}

// numericVindex uses the integer value itself as the keyspace id.
func numericVindex(value any) (uint64, error) {
	switch v := value.(type) {
	case int:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("numeric vindex: %q is not an unsigned integer", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("numeric vindex: unsupported type %T", value)
	}
}

// xxhashVindex hashes the value's bytes. Integers hash their 8-byte
// big-endian form, so 7 and "7" land on different shards.
func xxhashVindex(value any) (uint64, error) {
	switch v := value.(type) {
	case string:
		return xxhash.Sum64String(v), nil
	case []byte:
		return xxhash.Sum64(v), nil
	case int:
		return hashUint(uint64(v)), nil
	case int64:
		return hashUint(uint64(v)), nil
	case uint64:
		return hashUint(v), nil
	default:
		return 0, fmt.Errorf("xxhash vindex: unsupported type %T", value)
	}
}

func hashUint(v uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return xxhash.Sum64(buf[:])
}
