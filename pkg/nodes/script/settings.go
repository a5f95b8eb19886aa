package script

import "time"

// Security levels of the script sandbox.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Settings configures a script node.
//
// Script is the body of a function called with the item payload as msg and
// its headers as metadata. The value it returns is the node output; an
// undefined or null return produces no value.
type Settings struct {
	Script        string        `json:"script" validate:"required"`
	Timeout       time.Duration `json:"timeout" default:"5s" validate:"gt=0"`
	SecurityLevel string        `json:"securityLevel" default:"standard" validate:"oneof=strict standard permissive"`

	// Split yields each element of a returned array as its own value.
	Split bool `json:"split"`

	PoolSize      int `json:"poolSize" default:"4" validate:"min=1"`
	MaxReuseCount int `json:"maxReuseCount" default:"1000" validate:"min=1"`
}
