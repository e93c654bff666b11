package calls

import (
	"strings"
	"testing"
)

func TestAnnouncementText_FirstAttemptIsPlain(t *testing.T) {
	got := AnnouncementText("MARIA SILVA", "Consultório 7", "DR. JOÃO", 1)
	want := "MARIA SILVA, por favor, dirija-se ao Consultório 7. Chamado por DR. JOÃO."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if strings.Contains(got, "Chamada número") {
		t.Fatalf("first attempt must not carry the attempt clause")
	}
}

func TestAnnouncementText_LaterAttemptsAppendNumber(t *testing.T) {
	for _, attempt := range []int{2, 3} {
		got := AnnouncementText("MARIA SILVA", "Consultório 7", "DR. JOÃO", attempt)
		suffix := " Chamada número " + string(rune('0'+attempt)) + "."
		if !strings.HasSuffix(got, suffix) {
			t.Fatalf("attempt %d: expected suffix %q in %q", attempt, suffix, got)
		}
	}
}

func TestAnnouncementText_CollapsesWhitespace(t *testing.T) {
	got := AnnouncementText("  MARIA   SILVA ", "\tRaio X ", "DR.  JOÃO", 1)
	want := "MARIA SILVA, por favor, dirija-se ao Raio X. Chamado por DR. JOÃO."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
