// Package hubdb is the hub's small persistent record store. It holds
// source state, build configurations and runs, the plugin registry,
// command history and events. Collections offer mongo-ish operations
// over schemaless JSON records keyed by "_id".
package hubdb

import "context"

// Registered collection names. HubDB exclusively owns these records.
const (
	ColSrcDump    = "src_dump"    // per-source download/upload state
	ColSrcMaster  = "src_master"  // per-source master documents
	ColSrcBuild   = "src_build"   // build configs with embedded build history
	ColDataPlugin = "data_plugin" // plugin registry
	ColHubConfig  = "hub_config"  // generic configuration records
	ColCmd        = "cmd"         // operator command history
	ColEvent      = "event"       // hub lifecycle events
)

// Record is a schemaless hub record. The "_id" field identifies it.
type Record = map[string]any

// Filter matches records by equality over dotted key paths, e.g.
// {"download.status": "success"}. An empty filter matches everything.
type Filter = map[string]any

// Mutation is the abstract update operator set understood by UpdateOne.
type Mutation struct {
	Set      map[string]any // set value at dotted path
	Unset    []string       // remove value at dotted path
	Push     map[string]any // append to list at dotted path
	AddToSet map[string]any // append if not already present
	Pop      map[string]int // 1 pops last element, -1 pops first
	Pull     map[string]any // remove all matching elements from list
}

// Collection provides record operations for one registered collection.
type Collection interface {
	Name() string
	FindOne(ctx context.Context, filter Filter) (Record, error)
	Find(ctx context.Context, filter Filter) ([]Record, error)
	InsertOne(ctx context.Context, doc Record) error
	UpdateOne(ctx context.Context, filter Filter, mut Mutation, upsert bool) error
	ReplaceOne(ctx context.Context, filter Filter, doc Record) error
	Remove(ctx context.Context, filter Filter) (int, error)
	Count(ctx context.Context) (int, error)
}

// DB hands out collections. Implementations must survive process restart
// when backed by a file.
type DB interface {
	Collection(name string) Collection
	Close() error
}
