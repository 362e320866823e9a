package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrRouteNotConfigured is a configuration error: the request cannot be
// routed to any upstream with a base URL. It is never retried.
var ErrRouteNotConfigured = errors.New("upstream route not configured")

const defaultRouteTimeout = 30 * time.Second

// Route is a named upstream target.
type Route struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Scope     string        `mapstructure:"scope"`
	Resources []string      `mapstructure:"resources"`
}

// RoutingConfig lists the upstream targets. Resource types not claimed by
// any route in Routes go to Default.
type RoutingConfig struct {
	CallbackURLTemplate string  `mapstructure:"callback_url_template"`
	Default             Route   `mapstructure:"default"`
	Routes              []Route `mapstructure:"routes"`
}

// Router resolves the route for a request.
type Router struct {
	callbackTemplate string
	def              Route
	byName           map[string]Route
	byResource       map[string]Route
	ordered          []Route
}

// NewRouter validates cfg and builds the lookup tables.
func NewRouter(cfg RoutingConfig) (*Router, error) {
	def := cfg.Default
	if def.Name == "" {
		def.Name = "default"
	}
	if def.BaseURL == "" {
		return nil, fmt.Errorf("%w: default route has no base URL", ErrRouteNotConfigured)
	}
	def = withDefaults(def)

	r := &Router{
		callbackTemplate: cfg.CallbackURLTemplate,
		def:              def,
		byName:           map[string]Route{strings.ToLower(def.Name): def},
		byResource:       make(map[string]Route),
		ordered:          []Route{def},
	}

	for _, route := range cfg.Routes {
		if route.Name == "" {
			return nil, fmt.Errorf("%w: route without a name", ErrRouteNotConfigured)
		}
		if route.BaseURL == "" {
			return nil, fmt.Errorf("%w: route %s has no base URL", ErrRouteNotConfigured, route.Name)
		}
		key := strings.ToLower(route.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate upstream route name: %s", route.Name)
		}
		route = withDefaults(route)
		r.byName[key] = route
		r.ordered = append(r.ordered, route)

		// First route listing a resource wins.
		for _, rt := range route.Resources {
			rk := strings.ToLower(strings.TrimSpace(rt))
			if _, taken := r.byResource[rk]; !taken {
				r.byResource[rk] = route
			}
		}
	}

	return r, nil
}

func withDefaults(route Route) Route {
	if route.Timeout <= 0 {
		route.Timeout = defaultRouteTimeout
	}
	route.BaseURL = strings.TrimRight(route.BaseURL, "/")
	return route
}

// Resolve picks the route by explicit hint, then resource membership, then the default.
func (r *Router) Resolve(resourceType, hint string) (Route, error) {
	if hint != "" {
		route, ok := r.byName[strings.ToLower(hint)]
		if !ok {
			return Route{}, fmt.Errorf("%w: no route named %q", ErrRouteNotConfigured, hint)
		}
		return route, nil
	}
	if route, ok := r.byResource[strings.ToLower(resourceType)]; ok {
		return route, nil
	}
	return r.def, nil
}

// Routes returns every configured route, default first.
func (r *Router) Routes() []Route {
	return r.ordered
}

// CallbackURL expands the configured template. Placeholders are
// {facilityId}, {resourceType}, {resourceId} and {transactionId}.
func (r *Router) CallbackURL(facilityID, resourceType, resourceID, transactionID string) string {
	if r.callbackTemplate == "" {
		return ""
	}
	return strings.NewReplacer(
		"{facilityId}", url.PathEscape(facilityID),
		"{resourceType}", url.PathEscape(resourceType),
		"{resourceId}", url.PathEscape(resourceID),
		"{transactionId}", url.PathEscape(transactionID),
	).Replace(r.callbackTemplate)
}

func resourceURL(base, resourceType, resourceID string) string {
	u := base + "/" + url.PathEscape(resourceType)
	if resourceID != "" {
		u += "/" + url.PathEscape(resourceID)
	}
	return u
}
