package providers

import (
	"testing"

	"github.com/jbelanger/exitbook/model"
)

func registerTestProvider(t *testing.T, registry *Registry, name string, chains map[string]ChainConfig, requiresKey bool, envVar string) {
	t.Helper()
	meta := Metadata{
		Name:           name,
		DisplayName:    name,
		Blockchains:    chains,
		RequiresAPIKey: requiresKey,
		APIKeyEnvVar:   envVar,
		Capabilities:   Capabilities{Operations: []string{OpGetTransactions}},
	}
	err := registry.Register(meta, func(b BuildContext) (Client, error) {
		return &fakeClient{name: b.Metadata.Name, caps: b.Metadata.Capabilities}, nil
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestFactorySkipsMissingAPIKey(t *testing.T) {
	registry := NewRegistry()
	chains := map[string]ChainConfig{"ethereum": {BaseURL: "http://a"}}
	registerTestProvider(t, registry, "keyed", chains, true, "TEST_FACTORY_MISSING_KEY")
	registerTestProvider(t, registry, "open", chains, false, "")

	clients, err := NewFactory(registry, Deps{}).ClientsFor("ethereum", FactoryConfig{})
	if err != nil {
		t.Fatalf("ClientsFor failed: %v", err)
	}
	if len(clients) != 1 || clients[0].Name() != "open" {
		t.Errorf("clients = %v, want only open", names(clients))
	}
}

func TestFactoryIncludesKeyedProviderWhenEnvSet(t *testing.T) {
	t.Setenv("TEST_FACTORY_PRESENT_KEY", "secret")
	registry := NewRegistry()
	chains := map[string]ChainConfig{"ethereum": {BaseURL: "http://a"}}
	registerTestProvider(t, registry, "keyed", chains, true, "TEST_FACTORY_PRESENT_KEY")

	clients, err := NewFactory(registry, Deps{}).ClientsFor("ethereum", FactoryConfig{})
	if err != nil {
		t.Fatalf("ClientsFor failed: %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("clients = %v, want keyed", names(clients))
	}
}

func TestFactoryPriorityOrdering(t *testing.T) {
	registry := NewRegistry()
	chains := map[string]ChainConfig{"ethereum": {BaseURL: "http://a"}}
	registerTestProvider(t, registry, "first-registered", chains, false, "")
	registerTestProvider(t, registry, "high-priority", chains, false, "")
	registerTestProvider(t, registry, "tie-with-first", chains, false, "")

	cfg := FactoryConfig{Overrides: map[string]Override{
		"high-priority": {Priority: -1},
	}}
	clients, err := NewFactory(registry, Deps{}).ClientsFor("ethereum", cfg)
	if err != nil {
		t.Fatalf("ClientsFor failed: %v", err)
	}

	got := names(clients)
	want := []string{"high-priority", "first-registered", "tie-with-first"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFactoryDisabledOverride(t *testing.T) {
	registry := NewRegistry()
	chains := map[string]ChainConfig{"ethereum": {BaseURL: "http://a"}}
	registerTestProvider(t, registry, "p1", chains, false, "")

	disabled := false
	cfg := FactoryConfig{Overrides: map[string]Override{"p1": {Enabled: &disabled}}}
	clients, err := NewFactory(registry, Deps{}).ClientsFor("ethereum", cfg)
	if err != nil {
		t.Fatalf("ClientsFor failed: %v", err)
	}
	if len(clients) != 0 {
		t.Errorf("disabled provider still built: %v", names(clients))
	}
}

func TestFactoryPreferredProviderValidation(t *testing.T) {
	registry := NewRegistry()
	chains := map[string]ChainConfig{"ethereum": {BaseURL: "http://a"}}
	registerTestProvider(t, registry, "p1", chains, false, "")
	registerTestProvider(t, registry, "p2", chains, false, "")
	factory := NewFactory(registry, Deps{})

	// Unknown preferred provider fails with the available set named.
	_, err := factory.ClientsFor("ethereum", FactoryConfig{PreferredProvider: "nope"})
	if model.CodeOf(err) != model.ErrCodeValidation {
		t.Fatalf("err = %v, want VALIDATION", err)
	}

	// A valid preferred provider moves to the front.
	clients, err := factory.ClientsFor("ethereum", FactoryConfig{PreferredProvider: "p2"})
	if err != nil {
		t.Fatalf("ClientsFor failed: %v", err)
	}
	if clients[0].Name() != "p2" {
		t.Errorf("order = %v, want p2 first", names(clients))
	}
}

func TestFactoryFiltersByBlockchain(t *testing.T) {
	registry := NewRegistry()
	registerTestProvider(t, registry, "eth-only", map[string]ChainConfig{"ethereum": {}}, false, "")
	registerTestProvider(t, registry, "btc-only", map[string]ChainConfig{"bitcoin": {}}, false, "")

	clients, err := NewFactory(registry, Deps{}).ClientsFor("bitcoin", FactoryConfig{})
	if err != nil {
		t.Fatalf("ClientsFor failed: %v", err)
	}
	if len(clients) != 1 || clients[0].Name() != "btc-only" {
		t.Errorf("clients = %v, want btc-only", names(clients))
	}
}

func TestRegistryResetHook(t *testing.T) {
	ResetForTest()
	if err := Register(Metadata{Name: "x", Blockchains: map[string]ChainConfig{"c": {}}}, func(BuildContext) (Client, error) {
		return &fakeClient{name: "x"}, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(DefaultRegistry.Names()) != 1 {
		t.Fatal("registration missing")
	}
	ResetForTest()
	if len(DefaultRegistry.Names()) != 0 {
		t.Error("reset did not clear the registry")
	}
}

func names(clients []Client) []string {
	out := make([]string, len(clients))
	for i, c := range clients {
		out[i] = c.Name()
	}
	return out
}
