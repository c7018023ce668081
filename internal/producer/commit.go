package producer

import (
	"context"
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/datasource"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/producercache"
)

// CommitRunner implements emitter.CommitRunner: commit_one/commit_all
// are themselves just a templated datasource.Driver.Add call against
// the source that produced the change, not a separate capability,
// matching how spec.md §4.6 describes a commit hook as "an
// operation run against the same source".
type CommitRunner struct {
	Drivers map[string]datasource.Driver // source name -> driver
}

func NewCommitRunner(sources map[string][]*SourceHandle) *CommitRunner {
	drivers := make(map[string]datasource.Driver)
	for _, handles := range sources {
		for _, sh := range handles {
			drivers[sh.Binding.Name] = sh.Driver
		}
	}
	return &CommitRunner{Drivers: drivers}
}

func (r *CommitRunner) CommitOne(ctx context.Context, source *dataschema.SourceBinding, change producercache.Change) error {
	if source.CommitOne == "" {
		return nil
	}
	drv, ok := r.Drivers[source.Name]
	if !ok {
		return fmt.Errorf("producer: commit_one: unknown source %q", source.Name)
	}
	return drv.Add(ctx, source.CommitOne, commitVars(change))
}

func (r *CommitRunner) CommitAll(ctx context.Context, source *dataschema.SourceBinding) error {
	if source.CommitAll == "" {
		return nil
	}
	drv, ok := r.Drivers[source.Name]
	if !ok {
		return fmt.Errorf("producer: commit_all: unknown source %q", source.Name)
	}
	return drv.Add(ctx, source.CommitAll, datasource.Vars{})
}

func commitVars(change producercache.Change) datasource.Vars {
	v := datasource.Vars{
		"pkey":        string(change.Pkey),
		"remote_pkey": string(change.RemotePkey),
		"kind":        string(change.Kind),
	}
	for attr, val := range change.Attrs {
		v[attr] = val.String()
	}
	return v
}
