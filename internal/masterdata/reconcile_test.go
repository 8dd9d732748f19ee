package masterdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store/memory"
)

func admissionXML(cpf, name, job string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<download><arquivo><eSocial xmlns="http://www.esocial.gov.br/schema/evt/evtAdmissao/v_S_01_02_00">
<evtAdmissao Id="ID1123456780000002026101810000000001">
<trabalhador><cpfTrab>%s</cpfTrab><nmTrab>%s</nmTrab></trabalhador>
<vinculo><matricula>M-%s</matricula>
<infoRegimeTrab><infoCeletista><dtAdm>2026-01-05</dtAdm></infoCeletista></infoRegimeTrab>
<infoContrato><nmCargo>%s</nmCargo><codCateg>101</codCateg></infoContrato>
</vinculo></evtAdmissao></eSocial></arquivo></download>`, cpf, name, cpf[:3], job))
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[string][]byte
	errs map[string]error
}

func (f *fakeDocs) DownloadProcessed(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return f.docs[id], nil
}

func seed(t *testing.T, st *memory.Store, id string, status model.Status) {
	t.Helper()
	require.NoError(t, st.CreateEvent(context.Background(), &model.Event{
		ID: id, Type: model.TypeAdmission, EmployerID: "er-1", Payload: []byte(`{}`),
		DedupKey: "S-2200:" + id, Status: status,
	}))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	emp := &model.Employer{ID: "er-1", TaxID: "12345678000190", Name: "ACME"}
	require.NoError(t, st.CreateEmployer(ctx, emp))
	seed(t, st, "ev-1", model.StatusProcessed)
	seed(t, st, "ev-2", model.StatusProcessed)
	seed(t, st, "ev-3", model.StatusSent)

	docs := &fakeDocs{docs: map[string][]byte{
		"ev-1": admissionXML("12345678909", "Ana Lima", "Analista Administrativo"),
		"ev-2": admissionXML("98765432100", "Bruno Reis", "Gerente de Vendas"),
	}}
	r := New(st, docs, zerolog.Nop())

	res, err := r.Reconcile(ctx, emp)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Errors)

	list, err := st.ListEmployees(ctx, emp.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	byCPF := map[string]*model.Employee{}
	for _, e := range list {
		byCPF[e.CPF] = e
	}
	ana := byCPF["12345678909"]
	require.NotNil(t, ana)
	assert.Equal(t, "Ana Lima", ana.Name)
	assert.Equal(t, "Administrativo", ana.Sector)
	assert.Equal(t, "2026-01-05", ana.AdmissionAt)
	assert.Equal(t, "101", ana.Category)
	assert.Equal(t, "M-123", ana.Registration)
	assert.Equal(t, "Gestão", byCPF["98765432100"].Sector)

	res, err = r.Reconcile(ctx, emp)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Unchanged)

	docs.mu.Lock()
	docs.docs["ev-1"] = admissionXML("12345678909", "Ana Lima", "Técnica de Segurança")
	docs.mu.Unlock()
	res, err = r.Reconcile(ctx, emp)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
}

func TestReconcile_PartialErrors(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	emp := &model.Employer{ID: "er-1", TaxID: "12345678000190", Name: "ACME"}
	require.NoError(t, st.CreateEmployer(ctx, emp))
	seed(t, st, "ev-1", model.StatusProcessed)
	seed(t, st, "ev-2", model.StatusProcessed)
	seed(t, st, "ev-3", model.StatusProcessed)

	docs := &fakeDocs{
		docs: map[string][]byte{
			"ev-1": admissionXML("12345678909", "Ana Lima", "Operador"),
			"ev-3": []byte("<not-xml"),
		},
		errs: map[string]error{"ev-2": errors.New("remote unavailable")},
	}
	res, err := New(st, docs, zerolog.Nop()).Reconcile(ctx, emp)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0]+res.Errors[1], "remote unavailable")
}

func TestReconcile_StopsWhenCancelled(t *testing.T) {
	st := memory.New()
	emp := &model.Employer{ID: "er-1", TaxID: "12345678000190", Name: "ACME"}
	require.NoError(t, st.CreateEmployer(context.Background(), emp))
	seed(t, st, "ev-1", model.StatusProcessed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New(st, &fakeDocs{}, zerolog.Nop()).Reconcile(ctx, emp)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Processed)
}

func TestParseAdmission(t *testing.T) {
	e, err := ParseAdmission(admissionXML("123.456.789-09", "Ana", "Vendas"))
	require.NoError(t, err)
	assert.Equal(t, "12345678909", e.CPF)
	assert.Equal(t, "Comercial", e.Sector)

	_, err = ParseAdmission([]byte(`<eSocial><evtMonit/></eSocial>`))
	assert.Error(t, err)
	_, err = ParseAdmission([]byte(`<evtAdmissao><trabalhador><cpfTrab>1</cpfTrab></trabalhador></evtAdmissao>`))
	assert.Error(t, err)
}
