package metrics

import "fmt"

// ServiceCounter builds the conventional counter name for a service-scoped
// metric, e.g. services.<id>.counters.slots-available.
func ServiceCounter(serviceID, name string) string {
	return fmt.Sprintf("services.%s.counters.%s", serviceID, name)
}

// ServiceTimer builds the conventional timer name for a service-scoped metric.
func ServiceTimer(serviceID, name string) string {
	return fmt.Sprintf("services.%s.timers.%s", serviceID, name)
}

// RouterCounter builds the conventional counter name for a router-wide metric.
func RouterCounter(name string) string {
	return fmt.Sprintf("router.counters.%s", name)
}
