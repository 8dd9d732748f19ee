package xmlbuild

import (
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

var buildTime = time.Date(2024, 3, 15, 10, 30, 45, 0, time.UTC)

func opts() Options {
	return Options{EmployerTaxID: "12.345.678/0001-90", Now: buildTime, Seq: 7, AppVersion: "engine-1.4"}
}

func parse(t *testing.T, b []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(b))
	return doc
}

func textAt(t *testing.T, doc *etree.Document, path string) string {
	t.Helper()
	el := doc.FindElement(path)
	require.NotNil(t, el, "missing %s", path)
	return el.Text()
}

func exam() *model.PeriodicExam {
	return &model.PeriodicExam{
		Employee:  model.EmployeeRef{CPF: "123.456.789-09", Registration: "M-001"},
		ExamType:  model.ExamPeriodic,
		ExamDate:  "2024-03-10",
		Result:    "fit",
		Notes:     "sem alterações",
		Physician: model.Physician{Name: "Dra. Ana", CouncilNumber: "12345", State: "rj"},
	}
}

func TestEventID(t *testing.T) {
	assert.Equal(t, "ID1123456780000002024031510304500007", EventID("12345678000190", buildTime, 7))
	assert.Len(t, EventID("12345678000190", buildTime, 99999), 36)
}

func TestBuild_PeriodicExam(t *testing.T) {
	doc, err := New().Build(model.TypePeriodicExam, exam(), model.EnvRestrictedProduction, opts())
	require.NoError(t, err)
	assert.Equal(t, EventID("12345678000190", buildTime, 7), doc.ID)

	x := parse(t, doc.XML)
	root := x.Root()
	assert.Equal(t, "eSocial", root.Tag)
	assert.Equal(t, "http://www.esocial.gov.br/schema/evt/evtMonit/v_S_01_02_00", root.SelectAttrValue("xmlns", ""))
	evt := root.SelectElement("evtMonit")
	require.NotNil(t, evt)
	assert.Equal(t, doc.ID, evt.SelectAttrValue("Id", ""))

	assert.Equal(t, "1", textAt(t, x, "//ideEvento/indRetif"))
	assert.Equal(t, "2", textAt(t, x, "//ideEvento/tpAmb"))
	assert.Equal(t, "engine-1.4", textAt(t, x, "//ideEvento/verProc"))
	assert.Equal(t, "12345678", textAt(t, x, "//ideEmpregador/nrInsc"))
	assert.Equal(t, "12345678909", textAt(t, x, "//ideVinculo/cpfTrab"))
	assert.Equal(t, "1", textAt(t, x, "//exMedOcup/tpExameOcup"))
	assert.Equal(t, "1", textAt(t, x, "//aso/resAso"))
	assert.Equal(t, "0101", textAt(t, x, "//exame/procRealizado"))
	assert.Equal(t, "sem alterações", textAt(t, x, "//exame/obsProc"))
	assert.Equal(t, "RJ", textAt(t, x, "//medico/ufCRM"))
}

func TestBuild_Deterministic(t *testing.T) {
	a, err := New().Build(model.TypePeriodicExam, exam(), model.EnvProduction, opts())
	require.NoError(t, err)
	b, err := New().Build(model.TypePeriodicExam, exam(), model.EnvProduction, opts())
	require.NoError(t, err)
	assert.Equal(t, string(a.XML), string(b.XML))
	assert.Equal(t, "1", textAt(t, parse(t, a.XML), "//tpAmb"))
}

func TestBuild_EnvironmentRequired(t *testing.T) {
	_, err := New().Build(model.TypePeriodicExam, exam(), "", opts())
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestBuild_PayloadMismatch(t *testing.T) {
	_, err := New().Build(model.TypeAccident, exam(), model.EnvProduction, opts())
	require.Error(t, err)
	assert.Equal(t, errs.CodeBuildFailed, errs.CodeOf(err))
}

func TestBuild_InvalidEmployer(t *testing.T) {
	o := opts()
	o.EmployerTaxID = "123"
	_, err := New().Build(model.TypePeriodicExam, exam(), model.EnvProduction, o)
	assert.Error(t, err)
}

func TestBuild_Rectification(t *testing.T) {
	o := opts()
	o.RectifiesReceipt = "1.2.0000000000012345678"
	doc, err := New().Build(model.TypePeriodicExam, exam(), model.EnvProduction, o)
	require.NoError(t, err)
	x := parse(t, doc.XML)
	assert.Equal(t, "2", textAt(t, x, "//indRetif"))
	assert.Equal(t, o.RectifiesReceipt, textAt(t, x, "//nrRecibo"))
}

func TestBuild_EmployerOpening(t *testing.T) {
	p := &model.EmployerOpening{
		ValidFrom: "2024-01",
		Registration: &model.EmployerRegistration{
			TaxClass:      "99",
			PayrollRelief: true,
			Contact:       &model.Contact{Name: "Maria", CPF: "123.456.789-09", Email: "m@x.com"},
		},
	}
	doc, err := New().Build(model.TypeEmployerOpening, p, model.EnvProduction, opts())
	require.NoError(t, err)
	x := parse(t, doc.XML)
	assert.NotNil(t, x.FindElement("//evtInfoEmpregador"))
	assert.Nil(t, x.FindElement("//indRetif"), "table events carry no indRetif")
	assert.Equal(t, "2024-01", textAt(t, x, "//infoEmpregador/inclusao/idePeriodo/iniValid"))
	assert.Equal(t, "1", textAt(t, x, "//infoCadastro/indDesFolha"))
	assert.Equal(t, "0", textAt(t, x, "//infoCadastro/indCoop"))
	assert.Equal(t, "12345678909", textAt(t, x, "//contato/cpfCtt"))

	p = &model.EmployerOpening{Operation: model.OpExclusion, ValidFrom: "2024-01"}
	doc, err = New().Build(model.TypeEmployerOpening, p, model.EnvProduction, opts())
	require.NoError(t, err)
	x = parse(t, doc.XML)
	assert.NotNil(t, x.FindElement("//infoEmpregador/exclusao/idePeriodo"))
	assert.Nil(t, x.FindElement("//infoCadastro"))
}

func TestBuild_Admission(t *testing.T) {
	p := &model.Admission{
		Worker: model.Worker{CPF: "12345678909", Name: "João", Sex: "m", Race: 1, Education: "07", BirthDate: "1990-05-01"},
		Contract: model.Contract{
			Registration: "A1", AdmissionDate: "2024-02-01", JobTitle: "Analista Administrativo",
			CBO: "2521-05", Salary: "3500",
		},
	}
	doc, err := New().Build(model.TypeAdmission, p, model.EnvProduction, opts())
	require.NoError(t, err)
	x := parse(t, doc.XML)
	assert.Equal(t, "João", textAt(t, x, "//trabalhador/nmTrab"))
	assert.Equal(t, "M", textAt(t, x, "//trabalhador/sexo"))
	assert.Equal(t, "105", textAt(t, x, "//nascimento/paisNac"))
	assert.Equal(t, "A1", textAt(t, x, "//vinculo/matricula"))
	assert.Equal(t, "2024-02-01", textAt(t, x, "//infoCeletista/dtAdm"))
	assert.Equal(t, "252105", textAt(t, x, "//infoContrato/CBOCargo"))
	assert.Equal(t, "101", textAt(t, x, "//infoContrato/codCateg"))
	assert.Equal(t, "3500.00", textAt(t, x, "//remuneracao/vrSalFx"))
	assert.Nil(t, x.FindElement("//duracao/dtTerm"))
}

func TestBuild_Accident(t *testing.T) {
	p := &model.Accident{
		Employee:      model.EmployeeRef{CPF: "12345678909", Registration: "A1"},
		Date:          "2024-04-10",
		Time:          "14:30",
		Kind:          model.AccidentCommute,
		Location:      "Av. Paulista",
		Description:   "Colisão de moto",
		LeaveRequired: true,
		TreatmentDays: 15,
	}
	doc, err := New().Build(model.TypeAccident, p, model.EnvProduction, opts())
	require.NoError(t, err)
	x := parse(t, doc.XML)
	assert.Equal(t, "2", textAt(t, x, "//cat/tpAcid"))
	assert.Equal(t, "1430", textAt(t, x, "//cat/hrAcid"))
	assert.Equal(t, "0800", textAt(t, x, "//cat/hrsTrabAntesAcid"))
	assert.Equal(t, "N", textAt(t, x, "//cat/indCatObito"))
	assert.Nil(t, x.FindElement("//cat/dtObito"))
	assert.Equal(t, "S", textAt(t, x, "//atestado/indAfast"))
	assert.Equal(t, "15", textAt(t, x, "//atestado/durTrat"))
	assert.Equal(t, "S000", textAt(t, x, "//atestado/codCID"))
}

func TestBuild_RiskExposure(t *testing.T) {
	no := false
	p := &model.RiskExposure{
		Employee:            model.EmployeeRef{CPF: "12345678909", Registration: "A1"},
		StartDate:           "2024-01-01",
		Sector:              "Produção",
		ActivityDescription: "Operação de prensa",
		Factors: []model.RiskFactor{
			{Code: "Ruído", Intensity: "85 dB", Technique: "dosimetria", EffectivePPE: true},
			{Code: "02.01.014", CollectiveProtection: &no},
		},
	}
	doc, err := New().Build(model.TypeRiskExposure, p, model.EnvProduction, opts())
	require.NoError(t, err)
	x := parse(t, doc.XML)
	assert.Equal(t, "12345678000190", textAt(t, x, "//infoAmb/nrInsc"))
	factors := x.FindElements("//agNoc/fatorRisco")
	require.Len(t, factors, 2)
	assert.Equal(t, "01.01.001", factors[0].SelectElement("codFatorRisco").Text())
	assert.Equal(t, "S", factors[0].SelectElement("utilizEPI").Text())
	assert.Equal(t, "02.01.014", factors[1].SelectElement("codFatorRisco").Text())
	assert.Equal(t, "NE", factors[1].SelectElement("intConc").Text())
	assert.Equal(t, "N", factors[1].SelectElement("utilizEPC").Text())
}

func TestRiskFactorCode(t *testing.T) {
	for in, want := range map[string]string{
		"ruido":        "01.01.001",
		"Vibração":     "01.03.001",
		"químico":      "02.01.001",
		"01.02.002":    "01.02.002",
		"desconhecido": "05.01.001",
	} {
		assert.Equal(t, want, RiskFactorCode(in), in)
	}
}

func TestEnvelope(t *testing.T) {
	first, err := New().Build(model.TypePeriodicExam, exam(), model.EnvProduction, opts())
	require.NoError(t, err)
	o := opts()
	o.Seq = 8
	second, err := New().Build(model.TypePeriodicExam, exam(), model.EnvProduction, o)
	require.NoError(t, err)

	out, err := Envelope(2, "12345678000190", "", []SignedEvent{
		{ID: first.ID, XML: first.XML},
		{ID: second.ID, XML: second.XML},
	})
	require.NoError(t, err)

	x := parse(t, out)
	assert.Equal(t, BatchNamespace, x.Root().SelectAttrValue("xmlns", ""))
	lote := x.FindElement("//envioLoteEventos")
	require.NotNil(t, lote)
	assert.Equal(t, "2", lote.SelectAttrValue("grupo", ""))
	assert.Equal(t, "12345678", textAt(t, x, "//envioLoteEventos/ideEmpregador/nrInsc"))
	assert.Equal(t, "12345678000190", textAt(t, x, "//ideTransmissor/nrInsc"))

	items := x.FindElements("//eventos/evento")
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].SelectAttrValue("Id", ""))
	assert.NotNil(t, items[1].FindElement("eSocial/evtMonit"))
}

func TestEnvelope_Limits(t *testing.T) {
	_, err := Envelope(2, "12345678000190", "", nil)
	assert.Equal(t, errs.CodeEmptyBatch, errs.CodeOf(err))

	events := make([]SignedEvent, model.MaxBatchEvents+1)
	_, err = Envelope(2, "12345678000190", "", events)
	assert.Equal(t, errs.CodeBatchTooLarge, errs.CodeOf(err))
}
