// Package flatfile is a target plugin that materializes one text file
// per group, listing one value per line collected from the group's
// members (the classic "emails of each group" export). The original
// hardcoded Users/Groups/GroupsMembers; here the three roles — group
// type, member-link type, value type — and their attribute names come
// from plugin settings so any datamodel with the same triangle shape can
// drive it. Handlers only record which groups changed; the OnSave hook
// rewrites the affected files afterwards, so a burst of member events
// costs one file write per group, not one per event.
package flatfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/consumercache"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/target"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// Settings names the three type roles and their attributes.
type Settings struct {
	DestDir string

	// GroupType's objects each get one file named after GroupNameAttr.
	GroupType     string
	GroupNameAttr string

	// MemberType links a group to a value object: MemberGroupAttr holds
	// the group's pkey, MemberValueAttr holds the value object's pkey.
	MemberType      string
	MemberGroupAttr string
	MemberValueAttr string

	// ValueType's ValueAttr is what gets written, one per line.
	ValueType string
	ValueAttr string
}

type Target struct {
	settings Settings
	cache    *consumercache.Cache

	// pkeys of groups whose file needs a rewrite at the next OnSave.
	changed map[dataschema.Pkey]bool
}

func New(settings Settings, cache *consumercache.Cache) *Target {
	return &Target{
		settings: settings,
		cache:    cache,
		changed:  make(map[dataschema.Pkey]bool),
	}
}

// Register binds the handlers and the OnSave hook into r.
func (t *Target) Register(r *target.Registry) {
	r.Bind(t.settings.GroupType, bus.OpRemoved, t.onGroupRemoved)
	r.Bind(t.settings.MemberType, bus.OpAdded, t.onMemberAdded)
	r.Bind(t.settings.MemberType, bus.OpRemoved, t.onMemberRemoved)
	r.OnSave(t.OnSave)
}

// onGroupRemoved deletes the group's file. The applier invokes handlers
// before mutating the cache, so the cached group — and its name — is
// still readable here.
func (t *Target) onGroupRemoved(_ *target.ApplyContext, _ *dataschema.Type, ev bus.Event) herr.Outcome {
	entry, found, err := t.cache.Get(t.settings.GroupType, ev.Pkey)
	if err != nil {
		return herr.RetryableWith(herr.New(herr.ApplyRetryable, err).WithCoords(ev.Type, string(ev.Pkey), ""))
	}
	if !found {
		return herr.Ok()
	}
	name := entry.Attrs[t.settings.GroupNameAttr].String()
	if name == "" {
		return herr.Ok()
	}
	if err := os.Remove(t.groupFile(name)); err != nil && !os.IsNotExist(err) {
		return herr.RetryableWith(herr.New(herr.ApplyRetryable, err).WithCoords(ev.Type, string(ev.Pkey), ""))
	}
	return herr.Ok()
}

func (t *Target) onMemberAdded(_ *target.ApplyContext, _ *dataschema.Type, ev bus.Event) herr.Outcome {
	var attrs value.AttrMap
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &attrs); err != nil {
			return herr.FatalWith(herr.New(herr.ApplyFatal, fmt.Errorf("decode payload: %w", err)).WithCoords(ev.Type, string(ev.Pkey), ""))
		}
	}
	if gp := attrs[t.settings.MemberGroupAttr].String(); gp != "" {
		t.changed[dataschema.Pkey(gp)] = true
	}
	return herr.Ok()
}

// onMemberRemoved recovers the group pkey from the cached link if it is
// still present, else from the event's fkeys payload (a removed event
// carries its foreign-key attribute values precisely for this case).
func (t *Target) onMemberRemoved(_ *target.ApplyContext, _ *dataschema.Type, ev bus.Event) herr.Outcome {
	entry, found, err := t.cache.Get(t.settings.MemberType, ev.Pkey)
	if err != nil {
		return herr.RetryableWith(herr.New(herr.ApplyRetryable, err).WithCoords(ev.Type, string(ev.Pkey), ""))
	}
	var attrs value.AttrMap
	if found {
		attrs = entry.Attrs
	} else if len(ev.FKeys) > 0 {
		if err := json.Unmarshal(ev.FKeys, &attrs); err != nil {
			return herr.FatalWith(herr.New(herr.ApplyFatal, fmt.Errorf("decode fkeys: %w", err)).WithCoords(ev.Type, string(ev.Pkey), ""))
		}
	}
	if gp := attrs[t.settings.MemberGroupAttr].String(); gp != "" {
		t.changed[dataschema.Pkey(gp)] = true
	}
	return herr.Ok()
}

// OnSave rewrites the file of every group marked changed since the last
// call. Groups that vanished from the cache in the meantime are skipped;
// their file was already deleted by onGroupRemoved.
func (t *Target) OnSave() error {
	pkeys := make([]dataschema.Pkey, 0, len(t.changed))
	for pkey := range t.changed {
		pkeys = append(pkeys, pkey)
	}
	sort.Slice(pkeys, func(i, j int) bool { return pkeys[i] < pkeys[j] })

	for _, pkey := range pkeys {
		group, found, err := t.cache.Get(t.settings.GroupType, pkey)
		if err != nil {
			return fmt.Errorf("flatfile: read group %s: %w", pkey, err)
		}
		if found {
			if err := t.writeGroupFile(pkey, group); err != nil {
				return err
			}
		}
		delete(t.changed, pkey)
	}
	return nil
}

func (t *Target) writeGroupFile(pkey dataschema.Pkey, group *consumercache.Entry) error {
	name := group.Attrs[t.settings.GroupNameAttr].String()
	if name == "" {
		return nil
	}

	members, err := t.cache.All(t.settings.MemberType)
	if err != nil {
		return fmt.Errorf("flatfile: list members: %w", err)
	}
	var lines []string
	for _, member := range members {
		if member.Attrs[t.settings.MemberGroupAttr].String() != string(pkey) {
			continue
		}
		valuePkey := member.Attrs[t.settings.MemberValueAttr].String()
		if valuePkey == "" {
			continue
		}
		obj, found, err := t.cache.Get(t.settings.ValueType, dataschema.Pkey(valuePkey))
		if err != nil {
			return fmt.Errorf("flatfile: read %s/%s: %w", t.settings.ValueType, valuePkey, err)
		}
		if !found {
			continue
		}
		if line := obj.Attrs[t.settings.ValueAttr].String(); line != "" {
			lines = append(lines, line)
		}
	}
	sort.Strings(lines)

	return atomicWrite(t.groupFile(name), []byte(strings.Join(lines, "\n")))
}

func (t *Target) groupFile(name string) string {
	return filepath.Join(t.settings.DestDir, name+".txt")
}

// atomicWrite replaces path via temp-file + rename so a reader never
// observes a half-written file, the same replace discipline the caches
// use for their own persisted state.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("flatfile: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flatfile: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("flatfile: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("flatfile: rename %s: %w", path, err)
	}
	return nil
}
