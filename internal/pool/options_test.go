package pool

import "testing"

func TestOptionsKeyStableAndDistinct(t *testing.T) {
	a := Options{AppRoot: "/apps/foo", AppType: "rack", Environment: "production", SpawnMethod: SpawnDirect}
	b := Options{AppRoot: "/apps/foo", AppType: "rack", Environment: "production", SpawnMethod: SpawnDirect}
	c := Options{AppRoot: "/apps/bar", AppType: "rack", Environment: "production", SpawnMethod: SpawnDirect}

	if a.Key() != b.Key() {
		t.Fatalf("identical Options should produce the same GroupKey: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Fatalf("Options differing by AppRoot must produce distinct GroupKeys, both got %q", a.Key())
	}
}

func TestOptionsKeyIgnoresPerRequestFields(t *testing.T) {
	a := Options{AppRoot: "/apps/foo", AppType: "rack", StickySessionID: 111}
	b := Options{AppRoot: "/apps/foo", AppType: "rack", StickySessionID: 222}
	if a.Key() != b.Key() {
		t.Fatal("StickySessionID must not affect the GroupKey")
	}
}

func TestOptionsGroupNameOverride(t *testing.T) {
	a := Options{AppRoot: "/apps/foo", GroupNameOverride: "shared"}
	b := Options{AppRoot: "/apps/bar", GroupNameOverride: "shared"}
	if a.Key() != b.Key() {
		t.Fatal("GroupNameOverride should pin two otherwise-distinct Options to the same GroupKey")
	}
}

func TestOptionsNormalizedClearsPerRequestFields(t *testing.T) {
	o := Options{StickySessionID: 42}
	n := o.Normalized()
	if n.StickySessionID != 0 {
		t.Fatalf("expected Normalized() to clear StickySessionID, got %d", n.StickySessionID)
	}
	if !n.RequestTime.IsZero() {
		t.Fatal("expected Normalized() to clear RequestTime")
	}
}

func TestOptionsDurationDefaults(t *testing.T) {
	var o Options
	if o.StartTimeout() <= 0 {
		t.Error("expected a positive default StartTimeout")
	}
	if o.IdleTimeout() <= 0 {
		t.Error("expected a positive default IdleTimeout")
	}
	if o.MaxPreloaderIdle() <= 0 {
		t.Error("expected a positive default MaxPreloaderIdle")
	}
	if o.EffectiveMaxProcesses() != 1 {
		t.Errorf("expected EffectiveMaxProcesses default of 1, got %d", o.EffectiveMaxProcesses())
	}
}
