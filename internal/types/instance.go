package types

import (
	"fmt"
	"time"
)

// ServiceInstance identifies one backend process launched for a service.
// Instances are immutable; when the scheduler reports the same id with a
// different health state the whole record is replaced, never mutated.
type ServiceInstance struct {
	ID           string `json:"id"`
	ServiceID    string `json:"service_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	LogDirectory string `json:"log_directory,omitempty"`
}

// Addr returns the host:port address of the instance.
func (si ServiceInstance) Addr() string {
	return fmt.Sprintf("%s:%d", si.Host, si.Port)
}

// Valid reports whether the instance carries the fields required for routing.
func (si ServiceInstance) Valid() bool {
	return si.ID != "" && si.ServiceID != "" && si.Host != "" && si.Port > 0
}

// Snapshot is one scheduler poll result: the set of known service ids and,
// per service, the healthy, unhealthy and killed instances observed.
type Snapshot struct {
	ServiceIDs []string                     `json:"service_ids"`
	Healthy    map[string][]ServiceInstance `json:"healthy"`
	Unhealthy  map[string][]ServiceInstance `json:"unhealthy"`
	Killed     map[string][]ServiceInstance `json:"killed"`
	Time       time.Time                    `json:"time"`
}

// HasService reports whether the snapshot lists the given service id.
func (s *Snapshot) HasService(serviceID string) bool {
	for _, id := range s.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}
