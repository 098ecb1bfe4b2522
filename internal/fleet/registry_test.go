package fleet

import (
	"errors"
	"testing"
)

func TestRegistryAddAndLookup(t *testing.T) {
	reg := NewRegistry()
	dev := newDevice("AA:01", newFakeLock("AA:01"))
	reg.AddUnpaired(dev)

	got, err := reg.Unpaired("AA:01")
	if err != nil {
		t.Fatalf("unpaired lookup: %v", err)
	}
	if got != dev {
		t.Error("lookup returned a different device")
	}
	if _, err := reg.Paired("AA:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("paired lookup of unpaired device: %v, want ErrNotFound", err)
	}
	if got, err := reg.Lookup("AA:01"); err != nil || got != dev {
		t.Errorf("lookup: %v, %v", got, err)
	}
}

func TestRegistryPromote(t *testing.T) {
	reg := NewRegistry()
	dev := newDevice("AA:01", newFakeLock("AA:01"))
	reg.AddUnpaired(dev)

	promoted, err := reg.Promote("AA:01")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted != dev {
		t.Error("promote returned a different device")
	}
	if !dev.isPaired() {
		t.Error("promoted device not flagged paired")
	}
	if _, err := reg.Paired("AA:01"); err != nil {
		t.Errorf("paired lookup after promote: %v", err)
	}
	if _, err := reg.Unpaired("AA:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("address still present in unpaired set: %v", err)
	}
}

func TestRegistryPromoteUnknown(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Promote("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("promote unknown: %v, want ErrNotFound", err)
	}
}

// An address is never in both sets, whichever way it entered.
func TestRegistryAddressInOneSetOnly(t *testing.T) {
	reg := NewRegistry()

	dev := newDevice("AA:01", newFakeLock("AA:01"))
	reg.AddUnpaired(dev)
	reg.AddPaired(dev)
	if _, err := reg.Unpaired("AA:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("address in unpaired set after AddPaired: %v", err)
	}

	// A later discovery of a paired address must not re-register it.
	ghost := newDevice("AA:01", newFakeLock("AA:01"))
	reg.AddUnpaired(ghost)
	if _, err := reg.Unpaired("AA:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("paired address re-entered unpaired set: %v", err)
	}
	if got, _ := reg.Paired("AA:01"); got != dev {
		t.Error("paired entry replaced by ghost")
	}
}

func TestRegistryAddUnpairedKeepsFirst(t *testing.T) {
	reg := NewRegistry()
	first := newDevice("AA:01", newFakeLock("AA:01"))
	second := newDevice("AA:01", newFakeLock("AA:01"))
	reg.AddUnpaired(first)
	reg.AddUnpaired(second)

	got, err := reg.Unpaired("AA:01")
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Error("second registration replaced the first device")
	}
}

func TestRegistryRemovePaired(t *testing.T) {
	reg := NewRegistry()
	dev := newDevice("AA:01", newFakeLock("AA:01"))
	reg.AddPaired(dev)
	reg.Enqueue("AA:01")

	if err := reg.RemovePaired("AA:01"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Paired("AA:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("device still paired after remove: %v", err)
	}
	if reg.Queued("AA:01") {
		t.Error("removed device still queued for reconnect")
	}
	if err := reg.RemovePaired("AA:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: %v, want ErrNotFound", err)
	}
}

func TestRegistryListsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, addr := range []string{"CC:03", "AA:01", "BB:02"} {
		reg.AddPaired(newDevice(addr, newFakeLock(addr)))
	}
	devs := reg.ListPaired()
	if len(devs) != 3 {
		t.Fatalf("got %d devices, want 3", len(devs))
	}
	want := []string{"AA:01", "BB:02", "CC:03"}
	for i, dev := range devs {
		if dev.addr != want[i] {
			t.Errorf("devs[%d] = %s, want %s", i, dev.addr, want[i])
		}
	}
}

func TestRegistryQueue(t *testing.T) {
	reg := NewRegistry()
	reg.Enqueue("BB:02")
	reg.Enqueue("AA:01")
	reg.Enqueue("AA:01") // duplicate

	if !reg.Queued("AA:01") || !reg.Queued("BB:02") {
		t.Error("enqueued addresses not reported")
	}
	addrs := reg.QueuedAddrs()
	if len(addrs) != 2 || addrs[0] != "AA:01" || addrs[1] != "BB:02" {
		t.Errorf("queued addrs = %v", addrs)
	}

	reg.Dequeue("AA:01")
	if reg.Queued("AA:01") {
		t.Error("dequeued address still reported")
	}
	if got := reg.QueuedAddrs(); len(got) != 1 {
		t.Errorf("queued addrs after dequeue = %v", got)
	}
}
