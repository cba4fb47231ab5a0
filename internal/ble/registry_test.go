package ble

import "testing"

func TestRegistryTrackRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if !r.Track(Endpoint{ID: "a", Name: "first"}) {
		t.Fatal("Track() = false for new endpoint")
	}
	if r.Track(Endpoint{ID: "a", Name: "second"}) {
		t.Error("Track() = true for duplicate endpoint")
	}
	ep, ok := r.Get("a")
	if !ok {
		t.Fatal("Get() missing tracked endpoint")
	}
	if ep.Name != "first" {
		t.Errorf("Name = %q, want %q (duplicate must not overwrite)", ep.Name, "first")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Track(Endpoint{ID: "a"})
	r.Update("a", func(e *Endpoint) { e.Characteristics["c1"] = RoleWritable })

	ep, _ := r.Get("a")
	ep.Characteristics["c2"] = RoleNotifier
	ep.Status = StatusConnected

	again, _ := r.Get("a")
	if len(again.Characteristics) != 1 {
		t.Errorf("registry saw caller mutation: %v", again.Characteristics)
	}
	if again.Status != StatusDiscovered {
		t.Errorf("Status = %v, want %v", again.Status, StatusDiscovered)
	}
}

func TestRegistryUpdateAndRemove(t *testing.T) {
	r := NewRegistry()
	if r.Update("missing", func(*Endpoint) {}) {
		t.Error("Update() = true for untracked endpoint")
	}
	r.Track(Endpoint{ID: "a"})
	r.Update("a", func(e *Endpoint) { e.State = StateReady })

	ep, ok := r.Remove("a")
	if !ok || ep.State != StateReady {
		t.Errorf("Remove() = (%v, %v), want ready endpoint", ep.State, ok)
	}
	if _, ok := r.Remove("a"); ok {
		t.Error("second Remove() = true")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryListIsOrdered(t *testing.T) {
	r := NewRegistry()
	for _, id := range []EndpointID{"c", "a", "b"} {
		r.Track(Endpoint{ID: id})
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i, want := range []EndpointID{"a", "b", "c"} {
		if list[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestEndpointCharacteristicByRole(t *testing.T) {
	ep := Endpoint{Characteristics: map[CharacteristicID]Role{
		WritableUUID: RoleWritable,
		NotifierUUID: RoleNotifier,
	}}
	if id, ok := ep.Characteristic(RoleNotifier); !ok || id != NotifierUUID {
		t.Errorf("Characteristic(notifier) = (%s, %v)", id, ok)
	}
	if _, ok := ep.Characteristic(RoleReadableLarge); ok {
		t.Error("Characteristic(large) found on endpoint without it")
	}
}
