package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the structured domain data an Event's XML is built from.
type Payload interface {
	// Validate checks shape and mandatory fields and returns a
	// *ValidationError listing every failure.
	Validate() error
	// DedupKey identifies the logical period/subject of the event. Two
	// live events of the same employer and type must not share a key.
	// An empty key disables the duplicate check.
	DedupKey() string
}

// DecodePayload unmarshals raw into the payload type of t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeEmployerOpening:
		p = &EmployerOpening{}
	case TypeAdmission:
		p = &Admission{}
	case TypeAccident:
		p = &Accident{}
	case TypePeriodicExam:
		p = &PeriodicExam{}
	case TypeRiskExposure:
		p = &RiskExposure{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) == 0 {
		return nil, &ValidationError{Errors: []FieldError{{Field: "payload", Message: "is required"}}}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: "payload", Message: "invalid JSON: " + err.Error()}}}
	}
	return p, nil
}

// EmployeeRef identifies the worker an event is about.
type EmployeeRef struct {
	CPF          string `json:"cpf"`
	Registration string `json:"registration"` // matricula
	Name         string `json:"name,omitempty"`
}

func (r EmployeeRef) validate(ve *ValidationError, prefix string) {
	ve.requireCPF(prefix+".cpf", r.CPF)
	ve.requireText(prefix+".registration", r.Registration)
}

// Physician identifies the doctor responsible for an exam or certificate.
type Physician struct {
	Name          string `json:"name"`
	CouncilNumber string `json:"council_number"` // CRM
	State         string `json:"state"`          // UF of the council
}

// --- S-1000 ---

// S-1000 operations.
const (
	OpInclusion  = "inclusao"
	OpAlteration = "alteracao"
	OpExclusion  = "exclusao"
)

// EmployerOpening is the S-1000 payload.
type EmployerOpening struct {
	Operation    string                `json:"operation,omitempty"`
	ValidFrom    string                `json:"valid_from"` // YYYY-MM
	ValidUntil   string                `json:"valid_until,omitempty"`
	Registration *EmployerRegistration `json:"registration,omitempty"`
}

// EmployerRegistration is the infoCadastro group of S-1000.
type EmployerRegistration struct {
	TaxClass          string         `json:"tax_class"` // classTrib
	Cooperative       bool           `json:"cooperative,omitempty"`
	Construction      bool           `json:"construction,omitempty"`
	PayrollRelief     bool           `json:"payroll_relief,omitempty"`
	ElectronicRecords bool           `json:"electronic_records,omitempty"`
	Contact           *Contact       `json:"contact,omitempty"`
	SoftwareHouse     *SoftwareHouse `json:"software_house,omitempty"`
}

// Contact is the employer's responsible person.
type Contact struct {
	Name   string `json:"name"`
	CPF    string `json:"cpf"`
	Phone  string `json:"phone,omitempty"`
	Mobile string `json:"mobile,omitempty"`
	Email  string `json:"email,omitempty"`
}

// SoftwareHouse identifies the vendor of the emitting software.
type SoftwareHouse struct {
	TaxID   string `json:"tax_id"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Op returns the operation, defaulting to inclusion.
func (p *EmployerOpening) Op() string {
	if p.Operation == "" {
		return OpInclusion
	}
	return p.Operation
}

func (p *EmployerOpening) Validate() error {
	var ve ValidationError
	switch p.Op() {
	case OpInclusion, OpAlteration, OpExclusion:
	default:
		ve.add("operation", fmt.Sprintf("invalid value %q", p.Operation))
	}
	ve.requireMonth("valid_from", p.ValidFrom)
	if p.ValidUntil != "" {
		ve.requireMonth("valid_until", p.ValidUntil)
		if p.ValidUntil < p.ValidFrom {
			ve.add("valid_until", "must not precede valid_from")
		}
	}
	if p.Op() != OpExclusion {
		if p.Registration == nil {
			ve.add("registration", "is required")
		} else {
			ve.requireText("registration.tax_class", p.Registration.TaxClass)
			if c := p.Registration.Contact; c != nil {
				ve.requireText("registration.contact.name", c.Name)
				ve.requireCPF("registration.contact.cpf", c.CPF)
			}
			if sh := p.Registration.SoftwareHouse; sh != nil {
				ve.requireCNPJ("registration.software_house.tax_id", sh.TaxID)
				ve.requireText("registration.software_house.name", sh.Name)
			}
		}
	}
	return ve.err()
}

func (p *EmployerOpening) DedupKey() string {
	return "S-1000:" + p.Op() + ":" + p.ValidFrom
}

// --- S-2200 ---

// Admission is the S-2200 payload.
type Admission struct {
	Worker   Worker   `json:"worker"`
	Address  *Address `json:"address,omitempty"`
	Contract Contract `json:"contract"`
}

// Worker holds the personal data of an admitted employee.
type Worker struct {
	CPF           string `json:"cpf"`
	Name          string `json:"name"`
	Sex           string `json:"sex"`  // M or F
	Race          int    `json:"race"` // racaCor
	MaritalStatus int    `json:"marital_status,omitempty"`
	Education     string `json:"education"` // grauInstr
	BirthDate     string `json:"birth_date"`
	BirthCountry  string `json:"birth_country,omitempty"`
	Nationality   string `json:"nationality,omitempty"`
}

// Address is a Brazilian street address.
type Address struct {
	StreetType string `json:"street_type,omitempty"`
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district,omitempty"`
	ZIP        string `json:"zip"`
	CityCode   string `json:"city_code"`
	State      string `json:"state"`
}

// Contract holds the employment bond of an admission.
type Contract struct {
	Registration  string `json:"registration"`
	AdmissionDate string `json:"admission_date"`
	JobTitle      string `json:"job_title"`
	CBO           string `json:"cbo"`
	Category      string `json:"category,omitempty"` // codCateg, default 101
	Salary        string `json:"salary"`
	SalaryUnit    int    `json:"salary_unit,omitempty"`   // undSalFixo, default 5 (monthly)
	ContractType  int    `json:"contract_type,omitempty"` // tpContr, default 1 (open-ended)
	EndDate       string `json:"end_date,omitempty"`
	UnionTaxID    string `json:"union_tax_id,omitempty"`
}

func (p *Admission) Validate() error {
	var ve ValidationError
	ve.requireCPF("worker.cpf", p.Worker.CPF)
	ve.requireText("worker.name", p.Worker.Name)
	if s := strings.ToUpper(p.Worker.Sex); s != "M" && s != "F" {
		ve.add("worker.sex", "must be M or F")
	}
	if p.Worker.Race < 1 || p.Worker.Race > 6 {
		ve.add("worker.race", "must be between 1 and 6")
	}
	ve.requireText("worker.education", p.Worker.Education)
	ve.requireDate("worker.birth_date", p.Worker.BirthDate)
	if a := p.Address; a != nil {
		ve.requireText("address.street", a.Street)
		ve.requireText("address.number", a.Number)
		if len(Digits(a.ZIP)) != 8 {
			ve.add("address.zip", "must have 8 digits")
		}
		if len(Digits(a.CityCode)) != 7 {
			ve.add("address.city_code", "must be a 7-digit IBGE code")
		}
		if len(a.State) != 2 {
			ve.add("address.state", "must be a 2-letter UF")
		}
	}
	c := p.Contract
	ve.requireText("contract.registration", c.Registration)
	ve.requireDate("contract.admission_date", c.AdmissionDate)
	ve.requireText("contract.job_title", c.JobTitle)
	if len(Digits(c.CBO)) != 6 {
		ve.add("contract.cbo", "must have 6 digits")
	}
	if v, err := strconv.ParseFloat(c.Salary, 64); err != nil || v < 0 {
		ve.add("contract.salary", "must be a non-negative decimal")
	}
	switch c.ContractType {
	case 0, 1:
	case 2:
		ve.requireDate("contract.end_date", c.EndDate)
	default:
		ve.add("contract.contract_type", "must be 1 or 2")
	}
	if c.UnionTaxID != "" {
		ve.requireCNPJ("contract.union_tax_id", c.UnionTaxID)
	}
	return ve.err()
}

func (p *Admission) DedupKey() string {
	return "S-2200:" + Digits(p.Worker.CPF) + ":" + p.Contract.Registration
}

// --- S-2210 ---

// Accident kinds.
const (
	AccidentTypical = "typical"
	AccidentCommute = "commute"
	AccidentDisease = "disease"
)

// Accident is the S-2210 (CAT) payload.
type Accident struct {
	Employee       EmployeeRef `json:"employee"`
	Date           string      `json:"date"`
	Time           string      `json:"time"` // HH:MM
	Kind           string      `json:"kind"`
	HoursWorked    string      `json:"hours_worked,omitempty"` // HH:MM before the accident
	Location       string      `json:"location"`
	LocationType   int         `json:"location_type,omitempty"`
	Description    string      `json:"description"`
	Death          bool        `json:"death,omitempty"`
	PoliceReport   bool        `json:"police_report,omitempty"`
	SituationCode  string      `json:"situation_code,omitempty"`
	BodyPart       string      `json:"body_part,omitempty"`
	Laterality     int         `json:"laterality,omitempty"`
	CausativeAgent string      `json:"causative_agent,omitempty"`
	LeaveRequired  bool        `json:"leave_required,omitempty"`
	TreatmentDays  int         `json:"treatment_days,omitempty"`
	Hospitalized   bool        `json:"hospitalized,omitempty"`
	InjuryCode     string      `json:"injury_code,omitempty"`
	CID            string      `json:"cid,omitempty"`
	Physician      *Physician  `json:"physician,omitempty"`
}

func (p *Accident) Validate() error {
	var ve ValidationError
	p.Employee.validate(&ve, "employee")
	ve.requireDate("date", p.Date)
	ve.requireClock("time", p.Time)
	switch p.Kind {
	case AccidentTypical, AccidentCommute, AccidentDisease:
	default:
		ve.add("kind", "must be typical, commute or disease")
	}
	if p.HoursWorked != "" {
		ve.requireClock("hours_worked", p.HoursWorked)
	}
	ve.requireText("location", p.Location)
	ve.requireText("description", p.Description)
	if p.TreatmentDays < 0 {
		ve.add("treatment_days", "must not be negative")
	}
	return ve.err()
}

func (p *Accident) DedupKey() string {
	return "S-2210:" + Digits(p.Employee.CPF) + ":" + p.Date + ":" + Digits(p.Time)
}

// --- S-2220 ---

// Exam types.
const (
	ExamAdmission = "admission"
	ExamPeriodic  = "periodic"
	ExamJobChange = "job_change"
	ExamReturn    = "return"
	ExamDismissal = "dismissal"
)

// PeriodicExam is the S-2220 (occupational health monitoring) payload.
type PeriodicExam struct {
	Employee  EmployeeRef `json:"employee"`
	ExamType  string      `json:"exam_type"`
	ExamDate  string      `json:"exam_date"`
	Result    string      `json:"result"` // fit or unfit
	Procedure string      `json:"procedure,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	Physician Physician   `json:"physician"`
}

func (p *PeriodicExam) Validate() error {
	var ve ValidationError
	p.Employee.validate(&ve, "employee")
	switch p.ExamType {
	case ExamAdmission, ExamPeriodic, ExamJobChange, ExamReturn, ExamDismissal:
	default:
		ve.add("exam_type", fmt.Sprintf("invalid value %q", p.ExamType))
	}
	ve.requireDate("exam_date", p.ExamDate)
	if p.Result != "fit" && p.Result != "unfit" {
		ve.add("result", "must be fit or unfit")
	}
	ve.requireText("physician.name", p.Physician.Name)
	ve.requireText("physician.council_number", p.Physician.CouncilNumber)
	return ve.err()
}

func (p *PeriodicExam) DedupKey() string {
	return "S-2220:" + Digits(p.Employee.CPF) + ":" + p.ExamType + ":" + p.ExamDate
}

// --- S-2240 ---

// RiskExposure is the S-2240 payload.
type RiskExposure struct {
	Employee            EmployeeRef  `json:"employee"`
	StartDate           string       `json:"start_date"`
	EndDate             string       `json:"end_date,omitempty"`
	Sector              string       `json:"sector"`
	ActivityDescription string       `json:"activity_description"`
	Factors             []RiskFactor `json:"factors"`
}

// RiskFactor is one harmful agent the worker is exposed to. Code accepts
// either a table code ("01.01.001") or a name ("ruido").
type RiskFactor struct {
	Code                 string `json:"code"`
	Intensity            string `json:"intensity,omitempty"`
	Technique            string `json:"technique,omitempty"`
	CollectiveProtection *bool  `json:"collective_protection,omitempty"`
	EffectivePPE         bool   `json:"effective_ppe"`
}

func (p *RiskExposure) Validate() error {
	var ve ValidationError
	p.Employee.validate(&ve, "employee")
	ve.requireDate("start_date", p.StartDate)
	ve.optionalDate("end_date", p.EndDate)
	if p.EndDate != "" && p.EndDate < p.StartDate {
		ve.add("end_date", "must not precede start_date")
	}
	ve.requireText("sector", p.Sector)
	ve.requireText("activity_description", p.ActivityDescription)
	if len(p.Factors) == 0 {
		ve.add("factors", "at least one risk factor is required")
	}
	for i, f := range p.Factors {
		ve.requireText(fmt.Sprintf("factors[%d].code", i), f.Code)
	}
	return ve.err()
}

func (p *RiskExposure) DedupKey() string {
	return "S-2240:" + Digits(p.Employee.CPF) + ":" + p.StartDate
}
