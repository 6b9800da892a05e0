package db

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewNotifyListener_ChannelValidation(t *testing.T) {
	valid := []string{"assignment_changes", "a", "_x1"}
	for _, ch := range valid {
		if _, err := NewNotifyListener(nil, ch, zerolog.Nop()); err != nil {
			t.Errorf("expected %q to be accepted, got %v", ch, err)
		}
	}

	invalid := []string{"", "Assignment", "a-b", "a;DROP TABLE x", "1abc", "a b"}
	for _, ch := range invalid {
		if _, err := NewNotifyListener(nil, ch, zerolog.Nop()); err == nil {
			t.Errorf("expected %q to be rejected", ch)
		}
	}
}

func TestNotifyTrigger_CreateSQLUsesChannelArgument(t *testing.T) {
	trg := NotifyTrigger{
		Table:    "establishment_assignment",
		Name:     "establishment_assignment_notify",
		Function: "notify_assignment_change",
	}
	stmt, err := trg.createSQL("staff_changes")
	if err != nil {
		t.Fatalf("createSQL: %v", err)
	}
	want := `ON "establishment_assignment" FOR EACH ROW EXECUTE FUNCTION "notify_assignment_change"('staff_changes')`
	if !strings.Contains(stmt, want) {
		t.Errorf("expected %q in %q", want, stmt)
	}

	if _, err := trg.createSQL("x'); DROP TABLE y; --"); err == nil {
		t.Error("expected a malformed channel to be rejected")
	}
	if _, err := (NotifyTrigger{Table: "t"}).createSQL("c"); err == nil {
		t.Error("expected an incomplete trigger to be rejected")
	}
}

func TestFirstTriggerArg(t *testing.T) {
	cases := map[string]string{
		"assignment_changes\x00": "assignment_changes",
		"a\x00b\x00":             "a",
		"":                       "",
		"no_terminator":          "no_terminator",
	}
	for in, want := range cases {
		if got := firstTriggerArg([]byte(in)); got != want {
			t.Errorf("firstTriggerArg(%q) = %q, want %q", in, got, want)
		}
	}
}
