package model

import "fmt"

// Environment selects which government webservice an operation targets.
// There is deliberately no default value.
type Environment string

const (
	EnvProduction           Environment = "production"
	EnvRestrictedProduction Environment = "restricted-production"
)

// IsValid checks whether the environment is a known value.
func (e Environment) IsValid() bool {
	return e == EnvProduction || e == EnvRestrictedProduction
}

// TpAmb returns the eSocial tpAmb code: 1 production, 2 restricted.
func (e Environment) TpAmb() int {
	if e == EnvProduction {
		return 1
	}
	return 2
}

// ParseEnvironment parses an environment name. Empty input is an error.
func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case string(EnvProduction), "producao":
		return EnvProduction, nil
	case string(EnvRestrictedProduction), "producao-restrita", "homologacao":
		return EnvRestrictedProduction, nil
	case "":
		return "", fmt.Errorf("environment is required")
	}
	return "", fmt.Errorf("unknown environment %q", s)
}
