package xmlbuild

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/sstlabs/esocial-engine/internal/model"
)

// Exam type codes (tpExameOcup).
var examTypeCodes = map[string]string{
	model.ExamAdmission: "0",
	model.ExamPeriodic:  "1",
	model.ExamJobChange: "2",
	model.ExamReturn:    "3",
	model.ExamDismissal: "4",
}

// Accident type codes (tpAcid).
var accidentTypeCodes = map[string]string{
	model.AccidentTypical: "1",
	model.AccidentCommute: "2",
	model.AccidentDisease: "3",
}

// riskFactorCodes maps common agent names to table 24 codes.
var riskFactorCodes = map[string]string{
	"ruido":      "01.01.001",
	"calor":      "01.02.001",
	"frio":       "01.02.002",
	"vibracao":   "01.03.001",
	"radiacao":   "01.04.001",
	"quimico":    "02.01.001",
	"biologico":  "03.01.001",
	"ergonomico": "04.01.001",
	"acidente":   "05.01.001",
}

var riskCodePattern = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{3}$`)

// RiskFactorCode resolves a table code or a known agent name. Unknown
// names fall back to the generic accident-risk code.
func RiskFactorCode(nameOrCode string) string {
	s := strings.TrimSpace(nameOrCode)
	if riskCodePattern.MatchString(s) {
		return s
	}
	if code, ok := riskFactorCodes[foldAccents(strings.ToLower(s))]; ok {
		return code
	}
	return "05.01.001"
}

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u", "ç", "c",
)

func foldAccents(s string) string { return accentFolder.Replace(s) }

func (c *ctx) employerOpening(evt *etree.Element, p *model.EmployerOpening) {
	c.ideEvento(evt, true)
	c.ideEmpregador(evt)

	info := evt.CreateElement("infoEmpregador")
	op := info.CreateElement(p.Op())
	period := op.CreateElement("idePeriodo")
	text(period, "iniValid", p.ValidFrom)
	optText(period, "fimValid", p.ValidUntil)

	if p.Op() == model.OpExclusion || p.Registration == nil {
		return
	}
	r := p.Registration
	reg := op.CreateElement("infoCadastro")
	text(reg, "classTrib", r.TaxClass)
	text(reg, "indCoop", flag(r.Cooperative, "1", "0"))
	text(reg, "indConstr", flag(r.Construction, "1", "0"))
	text(reg, "indDesFolha", flag(r.PayrollRelief, "1", "0"))
	text(reg, "indOptRegEletron", flag(r.ElectronicRecords, "1", "0"))
	if ct := r.Contact; ct != nil {
		e := reg.CreateElement("contato")
		text(e, "nmCtt", ct.Name)
		text(e, "cpfCtt", model.Digits(ct.CPF))
		optText(e, "foneFix", model.Digits(ct.Phone))
		optText(e, "foneCel", model.Digits(ct.Mobile))
		optText(e, "email", ct.Email)
	}
	if sh := r.SoftwareHouse; sh != nil {
		e := reg.CreateElement("softwareHouse")
		text(e, "cnpjSoftHouse", model.Digits(sh.TaxID))
		text(e, "nmRazao", sh.Name)
		optText(e, "nmCont", sh.Contact)
		optText(e, "telefone", model.Digits(sh.Phone))
		optText(e, "email", sh.Email)
	}
}

func (c *ctx) admission(evt *etree.Element, p *model.Admission) {
	c.ideEvento(evt, false)
	c.ideEmpregador(evt)

	w := p.Worker
	tr := evt.CreateElement("trabalhador")
	text(tr, "cpfTrab", model.Digits(w.CPF))
	text(tr, "nmTrab", w.Name)
	text(tr, "sexo", strings.ToUpper(w.Sex))
	text(tr, "racaCor", strconv.Itoa(w.Race))
	if w.MaritalStatus > 0 {
		text(tr, "estCiv", strconv.Itoa(w.MaritalStatus))
	}
	text(tr, "grauInstr", w.Education)
	birth := tr.CreateElement("nascimento")
	text(birth, "dtNascto", w.BirthDate)
	text(birth, "paisNascto", orDefault(w.BirthCountry, "105"))
	text(birth, "paisNac", orDefault(w.Nationality, "105"))
	if a := p.Address; a != nil {
		br := tr.CreateElement("endereco").CreateElement("brasil")
		optText(br, "tpLograd", a.StreetType)
		text(br, "dscLograd", a.Street)
		text(br, "nrLograd", a.Number)
		optText(br, "complemento", a.Complement)
		optText(br, "bairro", a.District)
		text(br, "cep", model.Digits(a.ZIP))
		text(br, "codMunic", model.Digits(a.CityCode))
		text(br, "uf", strings.ToUpper(a.State))
	}

	k := p.Contract
	v := evt.CreateElement("vinculo")
	text(v, "matricula", k.Registration)
	text(v, "tpRegTrab", "1")
	text(v, "tpRegPrev", "1")
	text(v, "cadIni", "N")
	clt := v.CreateElement("infoRegimeTrab").CreateElement("infoCeletista")
	text(clt, "dtAdm", k.AdmissionDate)
	text(clt, "tpAdmissao", "1")
	text(clt, "indAdmissao", "1")
	text(clt, "tpRegJor", "1")
	text(clt, "natAtividade", "1")
	optText(clt, "cnpjSindCategProf", model.Digits(k.UnionTaxID))

	ic := v.CreateElement("infoContrato")
	text(ic, "nmCargo", k.JobTitle)
	text(ic, "CBOCargo", model.Digits(k.CBO))
	text(ic, "codCateg", orDefault(k.Category, "101"))
	rem := ic.CreateElement("remuneracao")
	text(rem, "vrSalFx", formatMoney(k.Salary))
	unit := k.SalaryUnit
	if unit == 0 {
		unit = 5
	}
	text(rem, "undSalFixo", strconv.Itoa(unit))
	dur := ic.CreateElement("duracao")
	contractType := k.ContractType
	if contractType == 0 {
		contractType = 1
	}
	text(dur, "tpContr", strconv.Itoa(contractType))
	if contractType == 2 {
		text(dur, "dtTerm", k.EndDate)
	}
}

func formatMoney(s string) string {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func (c *ctx) accident(evt *etree.Element, p *model.Accident) {
	c.ideEvento(evt, false)
	c.ideEmpregador(evt)
	ideVinculo(evt, p.Employee)

	cat := evt.CreateElement("cat")
	text(cat, "dtAcid", p.Date)
	text(cat, "tpAcid", accidentTypeCodes[p.Kind])
	text(cat, "hrAcid", model.Digits(p.Time))
	text(cat, "hrsTrabAntesAcid", orDefault(model.Digits(p.HoursWorked), "0800"))
	text(cat, "tpCat", "1")
	text(cat, "indCatObito", flag(p.Death, "S", "N"))
	if p.Death {
		text(cat, "dtObito", p.Date)
	}
	text(cat, "indComunPolicia", flag(p.PoliceReport, "S", "N"))
	text(cat, "codSitGeradora", orDefault(p.SituationCode, "200000001"))
	text(cat, "iniciatCAT", "1")
	text(cat, "obsCAT", p.Description)

	loc := cat.CreateElement("localAcidente")
	locType := p.LocationType
	if locType == 0 {
		locType = 1
	}
	text(loc, "tpLocal", strconv.Itoa(locType))
	text(loc, "dscLocal", p.Location)

	part := cat.CreateElement("parteAtingida")
	text(part, "codParteAting", orDefault(p.BodyPart, "753000000"))
	text(part, "lateralidade", strconv.Itoa(p.Laterality))

	agent := cat.CreateElement("agenteCausador")
	text(agent, "codAgntCausador", orDefault(p.CausativeAgent, "301010100"))

	att := cat.CreateElement("atestado")
	text(att, "dtAtendimento", p.Date)
	text(att, "hrAtendimento", model.Digits(p.Time))
	text(att, "indInternacao", flag(p.Hospitalized, "S", "N"))
	days := p.TreatmentDays
	if days == 0 {
		days = 1
	}
	text(att, "durTrat", strconv.Itoa(days))
	text(att, "indAfast", flag(p.LeaveRequired, "S", "N"))
	text(att, "dscLesao", orDefault(p.InjuryCode, "706050000"))
	text(att, "codCID", orDefault(p.CID, "S000"))
	if doc := p.Physician; doc != nil {
		em := att.CreateElement("emitente")
		text(em, "nmEmit", doc.Name)
		text(em, "ideOC", "1")
		text(em, "nrOc", doc.CouncilNumber)
		text(em, "ufOC", strings.ToUpper(doc.State))
	}
}

func (c *ctx) periodicExam(evt *etree.Element, p *model.PeriodicExam) {
	c.ideEvento(evt, false)
	c.ideEmpregador(evt)
	ideVinculo(evt, p.Employee)

	ex := evt.CreateElement("exMedOcup")
	text(ex, "tpExameOcup", examTypeCodes[p.ExamType])
	aso := ex.CreateElement("aso")
	text(aso, "dtAso", p.ExamDate)
	text(aso, "resAso", flag(p.Result == "fit", "1", "2"))
	exam := aso.CreateElement("exame")
	text(exam, "dtExm", p.ExamDate)
	text(exam, "procRealizado", orDefault(p.Procedure, "0101"))
	optText(exam, "obsProc", p.Notes)
	med := aso.CreateElement("medico")
	text(med, "nmMed", p.Physician.Name)
	text(med, "nrCRM", p.Physician.CouncilNumber)
	text(med, "ufCRM", strings.ToUpper(orDefault(p.Physician.State, "SP")))
}

func (c *ctx) riskExposure(evt *etree.Element, p *model.RiskExposure) {
	c.ideEvento(evt, false)
	c.ideEmpregador(evt)
	ideVinculo(evt, p.Employee)

	info := evt.CreateElement("infoExpRisco")
	text(info, "dtIniCondicao", p.StartDate)
	optText(info, "dtFimCondicao", p.EndDate)
	amb := info.CreateElement("infoAmb")
	text(amb, "localAmb", "1")
	text(amb, "dscSetor", p.Sector)
	text(amb, "tpInsc", "1")
	text(amb, "nrInsc", model.Digits(c.opts.EmployerTaxID))
	text(info.CreateElement("infoAtiv"), "dscAtivDes", p.ActivityDescription)

	ag := info.CreateElement("agNoc")
	for _, f := range p.Factors {
		fr := ag.CreateElement("fatorRisco")
		text(fr, "codFatorRisco", RiskFactorCode(f.Code))
		text(fr, "intConc", orDefault(f.Intensity, "NE"))
		optText(fr, "tecMedicao", f.Technique)
		epc := f.CollectiveProtection == nil || *f.CollectiveProtection
		text(fr, "utilizEPC", flag(epc, "S", "N"))
		text(fr, "utilizEPI", flag(f.EffectivePPE, "S", "N"))
	}
}

