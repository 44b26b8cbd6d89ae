// Package plan provides the pure planning algorithms for phase execution:
// dependency-respecting service ordering, retry backoff schedules, and the
// barrier accounting used to aggregate collaborator events.
// This is part of the Functional Core - all functions are pure with no I/O.
package plan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/artpar/rollout/internal/core/domain"
)

// =============================================================================
// Ordering Errors
// =============================================================================

var (
	// ErrDependencyCycle is returned when the service graph is not a DAG.
	ErrDependencyCycle = errors.New("service dependency cycle detected")
)

// =============================================================================
// Dependency Schedule
// =============================================================================

// Schedule tracks which services of a phase are ready for dispatch. Services
// with no unmet dependency edges are ready immediately; the rest become ready
// as their dependencies individually complete. The zero value is not usable;
// use NewSchedule.
type Schedule struct {
	inDegree   map[string]int
	dependents map[string][]string
	dispatched map[string]bool
	done       map[string]bool
}

// NewSchedule builds a dispatch schedule for the given services. Returns
// ErrDependencyCycle if the dependency edges do not form a DAG.
func NewSchedule(services []domain.ServiceSpecification) (*Schedule, error) {
	s := &Schedule{
		inDegree:   make(map[string]int, len(services)),
		dependents: make(map[string][]string),
		dispatched: make(map[string]bool, len(services)),
		done:       make(map[string]bool, len(services)),
	}
	for _, svc := range services {
		s.inDegree[svc.Name] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], svc.Name)
		}
	}
	if err := checkAcyclic(services); err != nil {
		return nil, err
	}
	return s, nil
}

// Ready returns the services that can be dispatched now and have not been
// handed out before. Names are sorted for deterministic dispatch order.
func (s *Schedule) Ready() []string {
	var ready []string
	for name, degree := range s.inDegree {
		if degree == 0 && !s.dispatched[name] {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	for _, name := range ready {
		s.dispatched[name] = true
	}
	return ready
}

// MarkDone records a service's individual completion and returns the services
// that became ready as a result.
func (s *Schedule) MarkDone(name string) []string {
	if s.done[name] {
		return nil
	}
	s.done[name] = true
	for _, dep := range s.dependents[name] {
		s.inDegree[dep]--
	}
	return s.Ready()
}

// Complete reports whether every service has completed.
func (s *Schedule) Complete() bool {
	for name := range s.inDegree {
		if !s.done[name] {
			return false
		}
	}
	return true
}

// checkAcyclic runs Kahn's algorithm and reports a cycle if any service is
// unreachable from the zero in-degree frontier.
func checkAcyclic(services []domain.ServiceSpecification) error {
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		inDegree[svc.Name] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited < len(services) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
	}
	return nil
}

// TopologicalOrder returns the services sorted so that dependencies come
// before their dependents. Used by validation and for reporting.
func TopologicalOrder(services []domain.ServiceSpecification) ([]domain.ServiceSpecification, error) {
	if err := checkAcyclic(services); err != nil {
		return nil, err
	}

	serviceMap := make(map[string]domain.ServiceSpecification, len(services))
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		serviceMap[svc.Name] = svc
		inDegree[svc.Name] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	result := make([]domain.ServiceSpecification, 0, len(services))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, serviceMap[name])

		var next []string
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	return result, nil
}
