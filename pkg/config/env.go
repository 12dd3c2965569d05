package config

import "strings"

// Environment constants
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// IsProductionLike reports whether the environment enforces production
// configuration requirements (staging or production).
func IsProductionLike(environment string) bool {
	switch strings.ToLower(environment) {
	case EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}
