package hashinfo

import (
	"time"

	"github.com/golang/glog"
	"github.com/karlseguin/ccache/v2"
	"golang.org/x/sync/singleflight"

	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// registryTTL only bounds how long an untouched record lingers; records in
// active use are refreshed on every lookup.
const registryTTL = time.Hour

// Registry is the keyed cache of in-flight hash-info records. Concurrent
// installs for one object converge on one shared record, which the RMW
// pipeline then updates in place under its per-object ordering.
type Registry struct {
	numChunks int
	cache     *ccache.Cache
	group     singleflight.Group
}

func NewRegistry(numChunks int, maxRecords int64) *Registry {
	if maxRecords <= 0 {
		maxRecords = 1024
	}
	return &Registry{
		numChunks: numChunks,
		cache:     ccache.New(ccache.Configure().MaxSize(maxRecords)),
	}
}

// Lookup returns the shared record for oid, or nil when absent.
func (r *Registry) Lookup(oid types.ObjectID) *HashInfo {
	item := r.cache.Get(string(oid))
	if item == nil || item.Expired() {
		return nil
	}
	item.Extend(registryTTL)
	return item.Value().(*HashInfo)
}

// LookupOrCreate installs hinfo for oid unless a record already exists;
// either way the shared record is returned. Concurrent callers for the
// same key observe the same record.
func (r *Registry) LookupOrCreate(oid types.ObjectID, hinfo *HashInfo) *HashInfo {
	v, _, _ := r.group.Do(string(oid), func() (interface{}, error) {
		if existing := r.Lookup(oid); existing != nil {
			return existing, nil
		}
		r.cache.Set(string(oid), hinfo, registryTTL)
		return hinfo, nil
	})
	return v.(*HashInfo)
}

// Forget drops the record for oid, if any.
func (r *Registry) Forget(oid types.ObjectID) {
	r.cache.Delete(string(oid))
}

// GetHashInfo resolves the record for oid, decoding the persisted attribute
// when the registry has none. A decode failure or a mismatch between the
// recorded size and the on-disk size yields nil: the caller treats the
// record as missing. An empty object with no attribute always gets a fresh
// record; a non-empty object without the attribute gets one only when
// create is set.
func (r *Registry) GetHashInfo(oid types.ObjectID, attrs map[string][]byte, size uint64, create bool) *HashInfo {
	if ref := r.Lookup(oid); ref != nil {
		return ref
	}
	glog.V(2).Infof("hash info for %s not in registry", oid)

	hinfo := New(r.numChunks)
	blob, hasAttr := attrs[AttrKey]
	switch {
	case hasAttr && len(blob) > 0:
		decoded, err := Decode(blob)
		if err != nil {
			glog.Errorf("cannot decode hash info for %s: %v", oid, err)
			return nil
		}
		if decoded.TotalChunkSize() != size {
			glog.Errorf("hash info size mismatch for %s: recorded %d, on disk %d", oid, decoded.TotalChunkSize(), size)
			return nil
		}
		hinfo = decoded
		create = true
	case size == 0:
		// Empty object with no attribute: start fresh.
		create = true
	}
	if !create {
		return nil
	}
	return r.LookupOrCreate(oid, hinfo)
}
