package acdqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const dynamicMembersFamily = "queue_dynamic_members"

// DynamicMemberRecord is one serialized dynamic member, per spec.md §4.6's
// wire format: interface;penalty;paused;displayname;statekey;callinuse.
type DynamicMemberRecord struct {
	Interface   string
	Penalty     int
	Paused      bool
	DisplayName string
	StateKey    string
	CallInUse   bool
}

func (r DynamicMemberRecord) encode() string {
	return strings.Join([]string{
		r.Interface,
		strconv.Itoa(r.Penalty),
		boolStr(r.Paused),
		r.DisplayName,
		r.StateKey,
		boolStr(r.CallInUse),
	}, ";")
}

func decodeDynamicMember(s string) (DynamicMemberRecord, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 6 {
		return DynamicMemberRecord{}, fmt.Errorf("acdqueue: malformed dynamic member record %q", s)
	}
	penalty, err := strconv.Atoi(parts[1])
	if err != nil {
		return DynamicMemberRecord{}, fmt.Errorf("acdqueue: malformed penalty in %q: %w", s, err)
	}
	return DynamicMemberRecord{
		Interface:   parts[0],
		Penalty:     penalty,
		Paused:      parts[2] == "1",
		DisplayName: parts[3],
		StateKey:    parts[4],
		CallInUse:   parts[5] == "1",
	}, nil
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Persistence dumps and loads a queue's dynamic members to/from the
// external KV store collaborator, per spec.md §4.6. Static and realtime
// members are never persisted here.
type Persistence struct {
	KV      KVStore
	Devices *DeviceRegistry
}

func NewPersistence(kv KVStore, devices *DeviceRegistry) *Persistence {
	return &Persistence{KV: kv, Devices: devices}
}

// Dump serializes every dynamic member of q to a single pipe-delimited
// string and writes it under a key derived from the queue name.
func (p *Persistence) Dump(ctx context.Context, q *Queue) error {
	var records []string
	for _, m := range q.Members().Ordered() {
		snap := m.Snapshot()
		if snap.Provenance != ProvenanceDynamic {
			continue
		}
		stateKey := snap.Interface
		if dev := m.Device(); dev != nil {
			stateKey = dev.key
		}
		records = append(records, DynamicMemberRecord{
			Interface:   snap.Interface,
			Penalty:     snap.Penalty,
			Paused:      snap.Paused,
			DisplayName: snap.DisplayName,
			StateKey:    stateKey,
			CallInUse:   snap.CallInUse,
		}.encode())
	}
	payload := strings.Join(records, "|")
	return p.KV.Put(ctx, dynamicMembersFamily, q.Name, payload)
}

// Load reads the dynamic-member string for q.Name and re-adds each member
// with Dynamic provenance. Existing dynamic members are cleared first so
// the result exactly matches the persisted set (spec.md §8.9 round-trip
// property).
func (p *Persistence) Load(ctx context.Context, q *Queue) error {
	for _, iface := range p.currentDynamicInterfaces(q) {
		q.Members().Remove(iface)
	}

	payload, ok, err := p.KV.Get(ctx, dynamicMembersFamily, q.Name)
	if err != nil {
		return fmt.Errorf("loading dynamic members for %q: %w", q.Name, err)
	}
	if !ok || payload == "" {
		return nil
	}

	for _, raw := range strings.Split(payload, "|") {
		if raw == "" {
			continue
		}
		rec, err := decodeDynamicMember(raw)
		if err != nil {
			return err
		}
		device, err := p.Devices.Acquire(rec.StateKey)
		if err != nil {
			return err
		}
		m := NewMember(rec.Interface, device)
		m.DisplayName = rec.DisplayName
		m.Penalty = rec.Penalty
		m.Paused = rec.Paused
		m.CallInUse = rec.CallInUse
		m.Provenance = ProvenanceDynamic
		q.Members().Insert(m)
	}
	return nil
}

func (p *Persistence) currentDynamicInterfaces(q *Queue) []string {
	var out []string
	for _, m := range q.Members().Ordered() {
		if m.Snapshot().Provenance == ProvenanceDynamic {
			out = append(out, m.Interface)
		}
	}
	return out
}
