package model

import (
	"testing"
	"time"
)

func TestEventType_CodeAndGroup(t *testing.T) {
	for _, tc := range []struct {
		typ   EventType
		code  string
		group int
	}{
		{TypeEmployerOpening, "S-1000", 1},
		{TypeAdmission, "S-2200", 2},
		{TypeAccident, "S-2210", 2},
		{TypePeriodicExam, "S-2220", 2},
		{TypeRiskExposure, "S-2240", 2},
	} {
		if got := tc.typ.Code(); got != tc.code {
			t.Errorf("%s.Code() = %q, want %q", tc.typ, got, tc.code)
		}
		if got := tc.typ.Group(); got != tc.group {
			t.Errorf("%s.Group() = %d, want %d", tc.typ, got, tc.group)
		}
	}
}

func TestParseEventType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want EventType
		ok   bool
	}{
		{"periodic-exam", TypePeriodicExam, true},
		{"S-2220", TypePeriodicExam, true},
		{"s2240", TypeRiskExposure, true},
		{" Admission ", TypeAdmission, true},
		{"S-9999", "", false},
		{"", "", false},
	} {
		got, err := ParseEventType(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseEventType(%q): unexpected error %v", tc.in, err)
			continue
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseEventType(%q): expected error, got %q", tc.in, got)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseEventType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to Status
		want     bool
	}{
		{StatusPreparing, StatusSending, true},
		{StatusSending, StatusSent, true},
		{StatusSending, StatusError, true},
		{StatusSent, StatusProcessing, true},
		{StatusSent, StatusProcessed, true},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusError, true},
		{StatusPreparing, StatusSent, false},
		{StatusPreparing, StatusError, false},
		{StatusProcessed, StatusError, false},
		{StatusError, StatusPreparing, false},
		{StatusSent, StatusSending, false},
	} {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatus_Predicates(t *testing.T) {
	for _, tc := range []struct {
		s                                 Status
		terminal, deletable, irreversible bool
	}{
		{StatusPreparing, false, true, false},
		{StatusSending, false, false, false},
		{StatusSent, false, false, true},
		{StatusProcessing, false, false, true},
		{StatusProcessed, true, false, true},
		{StatusError, true, true, false},
	} {
		if got := tc.s.IsTerminal(); got != tc.terminal {
			t.Errorf("%s.IsTerminal() = %v", tc.s, got)
		}
		if got := tc.s.Deletable(); got != tc.deletable {
			t.Errorf("%s.Deletable() = %v", tc.s, got)
		}
		if got := tc.s.Irreversible(); got != tc.irreversible {
			t.Errorf("%s.Irreversible() = %v", tc.s, got)
		}
	}
}

func TestParseStatus_LegacyAliases(t *testing.T) {
	for in, want := range map[string]Status{
		"processing":  StatusProcessing,
		"PENDENTE":    StatusPreparing,
		"enviado":     StatusSent,
		"aguardando":  StatusProcessing,
		"processado":  StatusProcessed,
		"rejeitado":   StatusError,
		" preparing ": StatusPreparing,
	} {
		got, err := ParseStatus(in)
		if err != nil {
			t.Errorf("ParseStatus(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseStatus("lost"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParseEnvironment(t *testing.T) {
	if _, err := ParseEnvironment(""); err == nil {
		t.Error("empty environment must be rejected")
	}
	env, err := ParseEnvironment("producao-restrita")
	if err != nil || env != EnvRestrictedProduction {
		t.Errorf("got %q, %v", env, err)
	}
	if env.TpAmb() != 2 || EnvProduction.TpAmb() != 1 {
		t.Error("unexpected tpAmb mapping")
	}
}

func TestEventFilter_Matches(t *testing.T) {
	now := time.Now()
	e := &Event{
		Type:          TypePeriodicExam,
		EmployerID:    "emp-1",
		Status:        StatusSent,
		ReceiptNumber: "",
		CreatedAt:     now,
	}
	if !(EventFilter{EmployerID: "emp-1", Status: []Status{StatusSent, StatusError}}).Matches(e) {
		t.Error("expected match on employer and status")
	}
	if (EventFilter{Type: []EventType{TypeAccident}}).Matches(e) {
		t.Error("type filter should exclude")
	}
	if (EventFilter{HasReceipt: true}).Matches(e) {
		t.Error("receipt filter should exclude")
	}
	later := now.Add(time.Hour)
	if (EventFilter{CreatedAfter: &later}).Matches(e) {
		t.Error("created_after filter should exclude")
	}
}

func TestTransitionFields_Apply(t *testing.T) {
	e := &Event{BatchID: "old", ProcessingErrors: []string{"x"}}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	TransitionFields{
		ReceiptNumber:    StringPtr("1.2.3"),
		ProcessingErrors: []string{},
		ProcessedAt:      &ts,
	}.Apply(e)
	if e.BatchID != "old" {
		t.Errorf("BatchID changed to %q", e.BatchID)
	}
	if e.ReceiptNumber != "1.2.3" {
		t.Errorf("ReceiptNumber = %q", e.ReceiptNumber)
	}
	if len(e.ProcessingErrors) != 0 {
		t.Errorf("ProcessingErrors = %v, want empty", e.ProcessingErrors)
	}
	if e.ProcessedAt == nil || !e.ProcessedAt.Equal(ts) {
		t.Errorf("ProcessedAt = %v", e.ProcessedAt)
	}
}

func TestSectorFor(t *testing.T) {
	for in, want := range map[string]string{
		"":                          "Não informado",
		"Assistente Administrativo": "Administrativo",
		"Operador de Produção":      "Operacional",
		"Gerente de Loja":           "Gestão",
		"Consultor de Vendas":       "Comercial",
		"Técnico de Segurança":      "Técnico",
		"Motorista":                 "Geral",
	} {
		if got := SectorFor(in); got != want {
			t.Errorf("SectorFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCertificate_ValidAt(t *testing.T) {
	now := time.Now()
	c := Certificate{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	if !c.ValidAt(now) {
		t.Error("expected certificate to be valid now")
	}
	if c.ValidAt(now.Add(2 * time.Hour)) {
		t.Error("expected certificate to be expired")
	}
}
