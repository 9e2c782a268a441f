package hostfunc

import (
	"context"
	"fmt"
	"strings"
)

// Installer places a Python distribution where the interpreter can import it.
type Installer interface {
	Install(ctx context.Context, spec string) error
}

// NewInstallFunc returns a host function that installs a package from guest
// code. Args: name (required), version (optional specifier such as "==1.2").
// The guest is responsible for invalidating its import caches afterwards.
func NewInstallFunc(inst Installer) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("package name required")
		}
		if strings.ContainsAny(name, ";|&$` ") {
			return nil, fmt.Errorf("invalid package name")
		}

		spec := name
		if version, ok := args["version"].(string); ok && version != "" {
			if strings.ContainsAny(version, ";|&$` ") {
				return nil, fmt.Errorf("invalid version specifier")
			}
			spec = name + version
		}

		if err := inst.Install(ctx, spec); err != nil {
			return map[string]any{
				"success": false,
				"error":   err.Error(),
			}, nil
		}

		return map[string]any{
			"success": true,
			"name":    name,
		}, nil
	}
}
