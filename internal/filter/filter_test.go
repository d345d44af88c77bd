package filter

import (
	"testing"
	"time"

	"github.com/MrWong99/salescoach/pkg/types"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func TestIsHallucination(t *testing.T) {
	f := New()
	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"ok", true},
		{"ah é", true},
		{"...", true},
		{"?!?! ...", true},
		{"1234567 890", true},
		{"  sim!  ", true},
		{"Legendas pela comunidade Amara.org", true},
		{"Obrigado por assistir!", true},
		{"Inscreva-se no canal e ative o sininho", true},
		{"vamos lá vamos lá vamos lá", true},
		{"tchau tchau tchau", true},
		{"eu preciso pensar", false},
		{"claro, faz sentido", false},
		{"não não, espera", false},
		{"quero começar hoje", false},
	}
	for _, tt := range tests {
		if got := f.IsHallucination(tt.text); got != tt.want {
			t.Errorf("IsHallucination(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

// TestIsHallucination_FewLettersAlwaysDiscarded checks that texts with fewer
// than five letters are rejected whatever else they contain.
func TestIsHallucination_FewLettersAlwaysDiscarded(t *testing.T) {
	f := New()
	for _, text := range []string{"a", "ab 12", "é é é", "xyz!!!", "R$ 1.500,00", "  ab  cd  "} {
		if !f.IsHallucination(text) {
			t.Errorf("IsHallucination(%q) = false, want true", text)
		}
	}
}

func TestCheck_EmptyWindowAccepts(t *testing.T) {
	f := New()
	v, w := f.Check(nil, "bom dia, tudo bem?", types.RoleSeller, t0)
	if v != Accept {
		t.Fatalf("verdict = %v, want accept", v)
	}
	if len(w) != 1 || w[0].Role != types.RoleSeller || !w[0].Timestamp.Equal(t0) {
		t.Fatalf("window = %+v", w)
	}
}

func TestCheck_SameChannelDuplicate(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "Eu preciso pensar.", types.RoleCounterpart, t0)
	v, w2 := f.Check(w, "eu preciso   pensar", types.RoleCounterpart, t0.Add(3*time.Second))
	if v != Duplicate {
		t.Fatalf("verdict = %v, want duplicate", v)
	}
	if len(w2) != 1 {
		t.Fatalf("duplicate must not be recorded, window len = %d", len(w2))
	}
}

func TestCheck_SubstringIsDuplicate(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "quero começar", types.RoleCounterpart, t0)
	if v, _ := f.Check(w, "quero começar amanhã cedo", types.RoleCounterpart, t0.Add(time.Second)); v != Duplicate {
		t.Fatalf("verdict = %v, want duplicate", v)
	}
}

func TestCheck_JaccardOverlap(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "o valor está muito alto para nós", types.RoleCounterpart, t0)
	if v, _ := f.Check(w, "o valor está alto demais para nós", types.RoleCounterpart, t0.Add(time.Second)); v != Duplicate {
		t.Fatalf("verdict = %v, want duplicate", v)
	}
}

// TestCheck_CounterpartLeakIntoSellerMic covers counterpart speech leaking
// into the seller microphone.
func TestCheck_CounterpartLeakIntoSellerMic(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "eu preciso pensar", types.RoleCounterpart, t0)
	v, w2 := f.Check(w, "eu preciso pensar", types.RoleSeller, t0.Add(2*time.Second))
	if v != Echo {
		t.Fatalf("verdict = %v, want echo", v)
	}
	if len(w2) != 1 || w2[0].Role != types.RoleCounterpart {
		t.Fatalf("window = %+v", w2)
	}
}

// TestCheck_EchoRuleIsAsymmetricHeuristic documents a known limitation: the
// fragment being evaluated is always assumed to be the leak, so identical
// speech on the seller channel first drops the later counterpart fragment even
// if both were genuinely spoken.
func TestCheck_EchoRuleIsAsymmetricHeuristic(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "pode ser na sexta feira", types.RoleSeller, t0)
	if v, _ := f.Check(w, "pode ser na sexta feira", types.RoleCounterpart, t0.Add(500*time.Millisecond)); v != Echo {
		t.Fatalf("verdict = %v, want echo", v)
	}
}

func TestCheck_WindowExpiry(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "eu preciso pensar", types.RoleCounterpart, t0)
	v, w2 := f.Check(w, "eu preciso pensar", types.RoleCounterpart, t0.Add(8001*time.Millisecond))
	if v != Accept {
		t.Fatalf("verdict = %v, want accept after window", v)
	}
	if len(w2) != 1 || !w2[0].Timestamp.Equal(t0.Add(8001*time.Millisecond)) {
		t.Fatalf("expected stale entry pruned, window = %+v", w2)
	}
}

func TestCheck_DistinctFragmentsAccepted(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "qual é o prazo de implantação", types.RoleCounterpart, t0)
	v, w2 := f.Check(w, "normalmente leva duas semanas", types.RoleSeller, t0.Add(time.Second))
	if v != Accept {
		t.Fatalf("verdict = %v, want accept", v)
	}
	if len(w2) != 2 {
		t.Fatalf("window len = %d, want 2", len(w2))
	}
	if len(w) != 1 {
		t.Fatal("input window must not be modified")
	}
}

func TestCheck_HallucinationLeavesWindowUntouched(t *testing.T) {
	f := New()
	_, w := f.Check(nil, "qual é o prazo", types.RoleCounterpart, t0)
	v, w2 := f.Check(w, "...", types.RoleSeller, t0.Add(20*time.Second))
	if v != Hallucination {
		t.Fatalf("verdict = %v, want hallucination", v)
	}
	if len(w2) != 1 {
		t.Fatalf("window len = %d, want 1", len(w2))
	}
}

func TestWithOptions(t *testing.T) {
	f := New(WithWindow(2*time.Second), WithArtifacts("Música de fundo"))
	if f.Window() != 2*time.Second {
		t.Errorf("window = %v", f.Window())
	}
	if !f.IsHallucination("[Música de Fundo]") {
		t.Error("custom artifact not applied")
	}
	_, w := f.Check(nil, "eu preciso pensar", types.RoleCounterpart, t0)
	if v, _ := f.Check(w, "eu preciso pensar", types.RoleCounterpart, t0.Add(3*time.Second)); v != Accept {
		t.Errorf("verdict = %v, want accept with shorter window", v)
	}
}

func TestSimilarAndJaccard(t *testing.T) {
	if Similar("", "abc") {
		t.Error("empty strings are never similar")
	}
	if got := Jaccard("a b c", "a b c"); got != 0 {
		t.Errorf("single-letter words are ignored, got %v", got)
	}
	if got := Jaccard("aa bb", "aa cc"); got < 0.33 || got > 0.34 {
		t.Errorf("Jaccard = %v, want 1/3", got)
	}
}

func TestVerdictString(t *testing.T) {
	for v, want := range map[Verdict]string{Accept: "accept", Hallucination: "hallucination", Duplicate: "duplicate", Echo: "echo", Verdict(42): "unknown"} {
		if v.String() != want {
			t.Errorf("%d.String() = %q, want %q", v, v.String(), want)
		}
	}
	if Accept.Discarded() || !Echo.Discarded() {
		t.Error("Discarded mismatch")
	}
}
