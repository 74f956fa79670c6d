package intercept

import (
	"fmt"

	"cache-intercept/pkg/classify"
	"cache-intercept/pkg/generation"
)

// Strategy names a caching strategy.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Route binds a class to the generation it reads and writes and the strategy
// applied there.
type Route struct {
	Generation generation.Role `yaml:"generation"`
	Strategy   Strategy        `yaml:"strategy"`
}

// DefaultRoutes returns the routing of every cacheable class.
func DefaultRoutes() map[classify.Class]Route {
	return map[classify.Class]Route{
		classify.StaticAsset: {Generation: generation.RoleStable, Strategy: CacheFirst},
		classify.StaticAPI:   {Generation: generation.RoleExternal, Strategy: CacheFirst},
		classify.RealtimeAPI: {Generation: generation.RoleExternal, Strategy: NetworkFirst},
		classify.Runtime:     {Generation: generation.RoleRuntime, Strategy: NetworkFirst},
	}
}

func validateRoutes(routes map[classify.Class]Route) error {
	for _, class := range classify.Classes {
		route, ok := routes[class]
		if !ok {
			return fmt.Errorf("intercept: no route for class %s", class)
		}
		switch route.Strategy {
		case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		default:
			return fmt.Errorf("intercept: class %s: unknown strategy %q", class, route.Strategy)
		}
		switch route.Generation {
		case generation.RoleStable, generation.RoleExternal, generation.RoleRuntime:
		default:
			return fmt.Errorf("intercept: class %s: unknown generation %q", class, route.Generation)
		}
	}
	return nil
}
