// Package limits implements the route/limits projector (C7): retrieves
// key-auth routes from the gateway fleet and projects the effective
// (limit-req, limit-count) policy for a caller under the fixed
// Consumer -> ConsumerGroup -> Route precedence.
package limits

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/fanout"
)

// GatewayClient is the subset of the gateway-instance client (C1) the
// projector needs.
type GatewayClient interface {
	ListKeyAuthRoutes(ctx context.Context) ([]controlplane.Route, error)
	GetConsumerGroup(ctx context.Context, id string) (*controlplane.ConsumerGroup, error)
	GatewayURL() string
}

// Instance names one gateway-fleet member for the projector.
type Instance struct {
	Name   string
	Client GatewayClient
}

// ProjectedRoute is one entry of the /routes response.
type ProjectedRoute struct {
	URL    string
	Limits string
}

// Projector fans route/limit projection out across every configured
// gateway instance and deduplicates the result by URL.
type Projector struct {
	names     []string
	instances map[string]GatewayClient
}

// NewProjector builds a Projector over the given gateway instances.
func NewProjector(instances []Instance) *Projector {
	p := &Projector{instances: make(map[string]GatewayClient, len(instances))}
	for _, inst := range instances {
		p.names = append(p.names, inst.Name)
		p.instances[inst.Name] = inst.Client
	}
	return p
}

// ProjectAll fetches key-auth routes from every gateway instance
// concurrently, resolving each instance's own Consumer/ConsumerGroup
// view, and returns the deduplicated (by URL, first-encountered-wins)
// union (spec §4.7). If every instance errors, the first error is
// surfaced; partial failures are ignored since routes are shared across
// instances by design.
func (p *Projector) ProjectAll(ctx context.Context, consumers map[string]*controlplane.Consumer) ([]ProjectedRoute, error) {
	outcomes := fanout.Run(ctx, p.names, func(ctx context.Context, instance string) ([]ProjectedRoute, error) {
		client := p.instances[instance]
		routes, err := client.ListKeyAuthRoutes(ctx)
		if err != nil {
			return nil, err
		}

		consumer := consumers[instance]
		var group *controlplane.ConsumerGroup
		if consumer != nil && consumer.GroupID != "" {
			group, err = client.GetConsumerGroup(ctx, consumer.GroupID)
			if err != nil {
				return nil, err
			}
		}

		gatewayURL := client.GatewayURL()
		projected := make([]ProjectedRoute, 0, len(routes))
		for _, route := range routes {
			projected = append(projected, Project(route, consumer, group, gatewayURL))
		}
		return projected, nil
	})

	succeeded := fanout.Succeeded(outcomes)
	if len(succeeded) == 0 {
		return nil, fanout.FirstErr(outcomes)
	}

	seen := map[string]bool{}
	var result []ProjectedRoute
	for _, o := range succeeded {
		for _, r := range o.Value {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			result = append(result, r)
		}
	}
	return result, nil
}

// Project computes the effective limits string for one route given the
// caller's Consumer and (if any) ConsumerGroup on the same gateway
// instance, under the precedence rule in spec §4.7 step 3.
func Project(route controlplane.Route, consumer *controlplane.Consumer, group *controlplane.ConsumerGroup, gatewayURL string) ProjectedRoute {
	reqSource, reqValue := resolve("limit-req", consumer, group, route)
	countSource, countValue := resolve("limit-count", consumer, group, route)

	var parts []string
	if countValue != nil {
		count := numberOf(countValue["count"])
		window := numberOf(countValue["time_window"])
		parts = append(parts, fmt.Sprintf("Quota: %s req/%s", formatNumber(count), formatWindow(window)))
	}
	if reqValue != nil {
		rate := numberOf(reqValue["rate"])
		parts = append(parts, fmt.Sprintf("Rate: %s req/s", formatNumber(rate)))
		if burst, ok := reqValue["burst"]; ok {
			parts = append(parts, fmt.Sprintf("Burst: %s req", formatNumber(numberOf(burst))))
		}
	}

	tag := sourceTag(reqSource, countSource)
	var limits string
	if len(parts) == 0 {
		limits = tag
	} else {
		limits = strings.Join(parts, " | ") + " (" + tag + ")"
	}

	return ProjectedRoute{URL: gatewayURL + route.URI, Limits: limits}
}

// resolve picks the value and its source for one plugin name under the
// Consumer -> ConsumerGroup -> Route precedence; "" means absent.
func resolve(plugin string, consumer *controlplane.Consumer, group *controlplane.ConsumerGroup, route controlplane.Route) (string, map[string]any) {
	if consumer != nil {
		if v, ok := pluginMap(consumer.Plugins, plugin); ok {
			return "Consumer", v
		}
	}
	if group != nil {
		if v, ok := pluginMap(group.Plugins, plugin); ok {
			return "Group", v
		}
	}
	if v, ok := pluginMap(route.Plugins, plugin); ok {
		return "Route", v
	}
	return "", nil
}

func pluginMap(plugins map[string]any, name string) (map[string]any, bool) {
	if plugins == nil {
		return nil, false
	}
	v, ok := plugins[name]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func sourceTag(reqSource, countSource string) string {
	switch {
	case reqSource == "" && countSource == "":
		return "No limits"
	case reqSource != "" && countSource != "":
		if reqSource == countSource {
			return reqSource + " limit"
		}
		return countSource + " quota, " + reqSource + " rate"
	case reqSource != "":
		return reqSource + " limit"
	default:
		return countSource + " limit"
	}
}

func numberOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatWindow renders a time_window in seconds using the largest exact
// unit among d/h/m/s that evenly divides it (spec §4.7 step 4).
func formatWindow(seconds float64) string {
	units := []struct {
		suffix string
		secs   float64
	}{
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}
	for _, u := range units {
		if seconds >= u.secs && math.Mod(seconds, u.secs) == 0 {
			return formatNumber(seconds/u.secs) + u.suffix
		}
	}
	return formatNumber(seconds) + "s"
}
