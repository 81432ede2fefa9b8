package profile

import "github.com/matheus3301/swoon/internal/config"

const DefaultName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	g, err := config.LoadGlobal(GlobalConfigPath())
	if err == nil && g.DefaultProfile != "" {
		return g.DefaultProfile
	}
	return DefaultName
}
