package messages

import "testing"

func TestRender_FallsBackToEnglishDefaultWhenLocaleMissing(t *testing.T) {
	r := NewRegistry()
	out, err := r.Render("fr", IDidntCatch, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != defaultEnglish[IDidntCatch] {
		t.Errorf("got %q", out)
	}
}

func TestRender_UsesLocaleOverrideWhenPresent(t *testing.T) {
	r := NewRegistry()
	r.AddLocale("es", map[Key]string{IDidntCatch: "No entendí eso."})
	out, err := r.Render("es", IDidntCatch, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "No entendí eso." {
		t.Errorf("got %q", out)
	}
}

func TestRender_SubstitutesVariables(t *testing.T) {
	r := NewRegistry()
	out, err := r.Render("en", ConfirmSwitch, map[string]any{"flowName": "Order Status"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "Do you want to switch to Order Status? (yes/no)" {
		t.Errorf("got %q", out)
	}
}

func TestRequiredKeys_CoversAllSpecKeys(t *testing.T) {
	keys := RequiredKeys()
	if len(keys) != 10 {
		t.Fatalf("expected 10 required keys, got %d", len(keys))
	}
	for _, k := range keys {
		if _, ok := defaultEnglish[k]; !ok {
			t.Errorf("missing default English text for key %q", k)
		}
	}
}
