package opensmtpd

import (
	"bytes"
	"strings"
	"testing"

	"rwfrom/internal/rewrite"
	"rwfrom/internal/rules"
)

func testEngine(t *testing.T) *rewrite.Engine {
	t.Helper()
	store, err := rules.Load(strings.NewReader(
		"mail *@old.example new-from@new.example\n" +
			"rcpt admin@* admin-alias@example.com\n"))
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return rewrite.NewEngine(store)
}

func run(t *testing.T, input ...string) []string {
	t.Helper()

	var out bytes.Buffer
	f := New(testEngine(t), strings.NewReader(strings.Join(input, "\n")+"\n"), &out)
	if err := f.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
}

func responses(lines []string) []string {
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, "filter-dataline|") {
			out = append(out, l)
		}
	}
	return out
}

func TestRun_Registers(t *testing.T) {
	lines := run(t,
		"config|smtpd-version|7.4.0",
		"config|subsystem|smtp-in",
		"config|ready",
	)

	want := []string{
		"register|report|smtp-in|tx-begin",
		"register|report|smtp-in|tx-mail",
		"register|report|smtp-in|tx-rcpt",
		"register|report|smtp-in|tx-reset",
		"register|report|smtp-in|tx-rollback",
		"register|report|smtp-in|tx-commit",
		"register|report|smtp-in|link-disconnect",
		"register|filter|smtp-in|data-line",
		"register|ready",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestRun_RewritesFrom(t *testing.T) {
	lines := run(t,
		"config|ready",
		"report|0.7|1576146008.006099|smtp-in|tx-begin|7641df9771b4ed00|1ef1c203",
		"report|0.7|1576146008.006099|smtp-in|tx-mail|7641df9771b4ed00|1ef1c203|ok|alice@old.example",
		"report|0.7|1576146008.006099|smtp-in|tx-rcpt|7641df9771b4ed00|1ef1c203|ok|bob@example.com",
		"filter|0.7|1576146008.006099|smtp-in|data-line|7641df9771b4ed00|tok1|From: Alice <alice@old.example>",
		"filter|0.7|1576146008.006099|smtp-in|data-line|7641df9771b4ed00|tok2|Subject: a|b",
		"filter|0.7|1576146008.006099|smtp-in|data-line|7641df9771b4ed00|tok3|",
		"filter|0.7|1576146008.006099|smtp-in|data-line|7641df9771b4ed00|tok4|From: body line",
		"filter|0.7|1576146008.006099|smtp-in|data-line|7641df9771b4ed00|tok5|.",
		"report|0.7|1576146008.006099|smtp-in|tx-commit|7641df9771b4ed00|1ef1c203|42",
	)

	want := []string{
		"filter-dataline|7641df9771b4ed00|tok1|From: new-from@new.example",
		"filter-dataline|7641df9771b4ed00|tok2|Subject: a|b",
		"filter-dataline|7641df9771b4ed00|tok3|",
		"filter-dataline|7641df9771b4ed00|tok4|From: body line",
		"filter-dataline|7641df9771b4ed00|tok5|.",
	}
	got := responses(lines)
	if len(got) != len(want) {
		t.Fatalf("expected %d responses, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("response %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRun_SessionsAreIndependent(t *testing.T) {
	lines := run(t,
		"config|ready",
		"report|0.7|1|smtp-in|tx-mail|s1|m1|ok|alice@old.example",
		"report|0.7|1|smtp-in|tx-mail|s2|m2|ok|carol@other.example",
		"filter|0.7|1|smtp-in|data-line|s2|t1|From: carol@other.example",
		"filter|0.7|1|smtp-in|data-line|s1|t2|From: alice@old.example",
	)

	got := responses(lines)
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %q", got)
	}
	if got[0] != "filter-dataline|s2|t1|From: carol@other.example" {
		t.Errorf("unexpected response for s2: %q", got[0])
	}
	if got[1] != "filter-dataline|s1|t2|From: new-from@new.example" {
		t.Errorf("unexpected response for s1: %q", got[1])
	}
}

func TestRun_FailedMailIsIgnored(t *testing.T) {
	lines := run(t,
		"config|ready",
		"report|0.7|1|smtp-in|tx-mail|s1|m1|permfail|alice@old.example",
		"filter|0.7|1|smtp-in|data-line|s1|t1|From: alice@old.example",
	)

	got := responses(lines)
	if len(got) != 1 || got[0] != "filter-dataline|s1|t1|From: alice@old.example" {
		t.Errorf("expected pass-through, got %q", got)
	}
}

func TestRun_PipeInLineContent(t *testing.T) {
	lines := run(t,
		"config|ready",
		"report|0.7|1|smtp-in|tx-mail|s1|m1|ok|carol@other.example",
		"filter|0.7|1|smtp-in|data-line|s1|t1|From: a|b",
		"report|0.7|1|smtp-in|tx-mail|s2|m2|ok|alice@old.example",
		"filter|0.7|1|smtp-in|data-line|s2|t2|From: a|b||c",
	)

	got := responses(lines)
	want := []string{
		"filter-dataline|s1|t1|From: a|b",
		"filter-dataline|s2|t2|From: new-from@new.example",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d responses, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("response %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRun_ResetBetweenMessages(t *testing.T) {
	lines := run(t,
		"config|ready",
		"report|0.7|1|smtp-in|tx-begin|s1|m1",
		"report|0.7|1|smtp-in|tx-mail|s1|m1|ok|alice@old.example",
		"filter|0.7|1|smtp-in|data-line|s1|t1|",
		"report|0.7|1|smtp-in|tx-rollback|s1|m1",
		"report|0.7|1|smtp-in|tx-begin|s1|m2",
		"report|0.7|1|smtp-in|tx-rcpt|s1|m2|ok|admin@example.com",
		"filter|0.7|1|smtp-in|data-line|s1|t2|From: someone@example.com",
	)

	got := responses(lines)
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %q", got)
	}
	if got[1] != "filter-dataline|s1|t2|From: admin-alias@example.com" {
		t.Errorf("expected second message to be rewritten by rcpt rule, got %q", got[1])
	}
}

func TestRun_OldProtocolFieldOrder(t *testing.T) {
	lines := run(t,
		"config|ready",
		"report|0.5|1|smtp-in|tx-mail|s1|m1|alice@old.example|ok",
		"filter|0.5|1|smtp-in|data-line|s1|t1|From: alice@old.example",
		"report|0.4|1|smtp-in|tx-mail|s2|m2|alice@old.example|ok",
		"filter|0.4|1|smtp-in|data-line|t2|s2|From: alice@old.example",
	)

	got := responses(lines)
	want := []string{
		"filter-dataline|s1|t1|From: new-from@new.example",
		"filter-dataline|t2|s2|From: new-from@new.example",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d responses, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("response %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRun_DisconnectDropsSession(t *testing.T) {
	var out bytes.Buffer
	input := strings.Join([]string{
		"config|ready",
		"report|0.7|1|smtp-in|tx-mail|s1|m1|ok|alice@old.example",
		"report|0.7|1|smtp-in|link-disconnect|s1",
	}, "\n") + "\n"

	f := New(testEngine(t), strings.NewReader(input), &out)
	if err := f.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.sessions) != 0 {
		t.Errorf("expected no sessions left, got %d", len(f.sessions))
	}
}

func TestRun_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few atoms", "report|0.7|1|smtp-in"},
		{"unknown stream", "bogus|0.7|1|smtp-in|tx-begin|s1"},
		{"unregistered phase", "filter|0.7|1|smtp-in|commit|s1|t1"},
		{"filter without token", "filter|0.7|1|smtp-in|data-line|s1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			f := New(testEngine(t), strings.NewReader("config|ready\n"+tt.line+"\n"), &out)
			if err := f.Run(); err == nil {
				t.Error("expected error for malformed input")
			}
		})
	}
}

func TestRun_UnexpectedConfigLine(t *testing.T) {
	var out bytes.Buffer
	f := New(testEngine(t), strings.NewReader("hello\n"), &out)
	if err := f.Run(); err == nil {
		t.Error("expected error for a non-config line before config|ready")
	}
}

func TestRun_EOFBeforeReady(t *testing.T) {
	var out bytes.Buffer
	f := New(testEngine(t), strings.NewReader("config|subsystem|smtp-in\n"), &out)
	if err := f.Run(); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no registration, got %q", out.String())
	}
}

func TestAtLeast(t *testing.T) {
	tests := []struct {
		version      string
		major, minor int
		want         bool
	}{
		{"0.4", 0, 5, false},
		{"0.5", 0, 5, true},
		{"0.5", 0, 6, false},
		{"0.7", 0, 6, true},
		{"0.10", 0, 6, true},
		{"1.0", 0, 6, true},
		{"garbage", 0, 6, true},
	}
	for _, tt := range tests {
		if got := atLeast(tt.version, tt.major, tt.minor); got != tt.want {
			t.Errorf("atLeast(%q, %d, %d) = %v, want %v", tt.version, tt.major, tt.minor, got, tt.want)
		}
	}
}
